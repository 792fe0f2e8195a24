package wire

import (
	"errors"
	"fmt"

	"github.com/dreamware/wakeonlan/internal/cluster"
)

const (
	// SnapshotHeaderSize is {seq u32, entry_count u8}.
	SnapshotHeaderSize = 4 + 1
	// RecordSize is one fixed-width participant record.
	RecordSize = TimestampSize + HostnameSize + IPSize + MACSize + StatusSize
	// MaxEntries is the largest entry count the header can express.
	MaxEntries = 255
)

var (
	// ErrMalformedPayload is returned when a snapshot is truncated or inconsistent.
	ErrMalformedPayload = errors.New("wire: malformed payload")
	// ErrInvalidStatus is returned for a status byte outside 0..3.
	ErrInvalidStatus = errors.New("wire: invalid participant status")
	// ErrTooManyEntries is returned when a snapshot does not fit the u8 count.
	ErrTooManyEntries = errors.New("wire: too many snapshot entries")
)

// EncodeSnapshot serializes participants as a TableUpdate payload.
func EncodeSnapshot(participants []cluster.Participant, seq uint32) ([]byte, error) {
	if len(participants) > MaxEntries {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyEntries, len(participants), MaxEntries)
	}
	buf := make([]byte, SnapshotHeaderSize+len(participants)*RecordSize)
	byteOrder.PutUint32(buf[0:4], seq)
	buf[4] = uint8(len(participants))

	off := SnapshotHeaderSize
	for _, p := range participants {
		if !p.Status.Valid() {
			return nil, fmt.Errorf("%w: %d for %q", ErrInvalidStatus, p.Status, p.Hostname)
		}
		off = putString(buf, off, TimestampSize, p.ElectedTimestamp)
		off = putString(buf, off, HostnameSize, p.Hostname)
		off = putString(buf, off, IPSize, p.IP)
		off = putString(buf, off, MACSize, p.MAC)
		buf[off] = byte(p.Status)
		off += StatusSize
	}
	return buf, nil
}

// DecodeSnapshot is the inverse of EncodeSnapshot. Trailing bytes beyond the
// declared entry count are ignored.
func DecodeSnapshot(buf []byte) (uint32, []cluster.Participant, error) {
	if len(buf) < SnapshotHeaderSize {
		return 0, nil, fmt.Errorf("%w: %d byte header", ErrMalformedPayload, len(buf))
	}
	seq := byteOrder.Uint32(buf[0:4])
	count := int(buf[4])
	if need := SnapshotHeaderSize + count*RecordSize; len(buf) < need {
		return 0, nil, fmt.Errorf("%w: %d entries need %d bytes, have %d",
			ErrMalformedPayload, count, need, len(buf))
	}

	participants := make([]cluster.Participant, 0, count)
	off := SnapshotHeaderSize
	for i := 0; i < count; i++ {
		var p cluster.Participant
		p.ElectedTimestamp, off = getString(buf, off, TimestampSize)
		p.Hostname, off = getString(buf, off, HostnameSize)
		p.IP, off = getString(buf, off, IPSize)
		p.MAC, off = getString(buf, off, MACSize)
		p.Status = cluster.Status(buf[off])
		off += StatusSize
		if !p.Status.Valid() {
			return 0, nil, fmt.Errorf("%w: byte %d in entry %d", ErrInvalidStatus, buf[off-1], i)
		}
		participants = append(participants, p)
	}
	return seq, participants, nil
}
