// Package wire encodes and decodes the fixed-layout binary messages exchanged
// on the service port, the table snapshots they carry, and the magic packet
// used to wake hosts up.
//
// The format has no version field and no checksum. Peers built with different
// field widths will misparse each other's payloads; that is a known limitation
// of the protocol, not something this package tries to detect.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/dreamware/wakeonlan/internal/cluster"
)

// Field widths of the envelope and of a snapshot record, in bytes.
const (
	TimestampSize = 80
	HostnameSize  = 150
	IPSize        = 150
	MACSize       = 17
	StatusSize    = 1

	// HeaderSize is the envelope size without payload.
	HeaderSize = 1 + 4 + HostnameSize + IPSize + MACSize
)

// Sequence markers carried by SleepServiceDiscovery messages.
const (
	SeqSYN    uint32 = 1
	SeqSYNACK uint32 = 2
)

var byteOrder = binary.LittleEndian

var (
	// ErrShortMessage is returned when a datagram is smaller than the envelope.
	ErrShortMessage = errors.New("wire: message shorter than header")
	// ErrUnknownType is returned for a type tag outside the protocol.
	ErrUnknownType = errors.New("wire: unknown message type")
)

// Type is the one-byte ASCII tag at the start of every message.
type Type byte

const (
	TypeDiscovery   Type = 'D'
	TypeStatus      Type = 'R'
	TypeExit        Type = 'E'
	TypeTableUpdate Type = 'T'
	TypeElection    Type = 'L'
	TypeCoordinator Type = 'C'
	TypeAnswer      Type = 'A'
	TypeUnknown     Type = 'U'
)

// Valid reports whether t is one of the protocol tags.
func (t Type) Valid() bool {
	switch t {
	case TypeDiscovery, TypeStatus, TypeExit, TypeTableUpdate,
		TypeElection, TypeCoordinator, TypeAnswer, TypeUnknown:
		return true
	}
	return false
}

func (t Type) String() string {
	switch t {
	case TypeDiscovery:
		return "SleepServiceDiscovery"
	case TypeStatus:
		return "SleepStatusRequest"
	case TypeExit:
		return "SleepServiceExit"
	case TypeTableUpdate:
		return "TableUpdate"
	case TypeElection:
		return "ElectionServiceElection"
	case TypeCoordinator:
		return "ElectionServiceCoordinator"
	case TypeAnswer:
		return "ElectionServiceAnswer"
	case TypeUnknown:
		return "Unknown"
	}
	return fmt.Sprintf("Type(%#x)", byte(t))
}

// Message is the decoded envelope. Hostname, IP and MAC identify the sender.
// Data is only present on TableUpdate messages and holds an encoded snapshot.
type Message struct {
	Type     Type
	Seq      uint32
	Hostname string
	IP       string
	MAC      string
	Data     []byte
}

// New builds a message of type t stamped with the sender identity from.
func New(t Type, seq uint32, from cluster.NodeInfo) Message {
	return Message{
		Type:     t,
		Seq:      seq,
		Hostname: from.Hostname,
		IP:       from.IP,
		MAC:      from.MAC,
	}
}

// NewTableUpdate builds a TableUpdate carrying the given snapshot.
func NewTableUpdate(from cluster.NodeInfo, participants []cluster.Participant, seq uint32) (Message, error) {
	data, err := EncodeSnapshot(participants, seq)
	if err != nil {
		return Message{}, err
	}
	m := New(TypeTableUpdate, seq, from)
	m.Data = data
	return m, nil
}

// Snapshot decodes the payload of a TableUpdate message.
func (m Message) Snapshot() (uint32, []cluster.Participant, error) {
	if m.Type != TypeTableUpdate {
		return 0, nil, fmt.Errorf("%w: %s carries no snapshot", ErrMalformedPayload, m.Type)
	}
	return DecodeSnapshot(m.Data)
}

// Encode writes the envelope followed by Data. Strings longer than their
// field are truncated at a rune boundary; shorter ones are zero padded.
func Encode(m Message) []byte {
	buf := make([]byte, HeaderSize+len(m.Data))
	buf[0] = byte(m.Type)
	byteOrder.PutUint32(buf[1:5], m.Seq)
	off := 5
	off = putString(buf, off, HostnameSize, m.Hostname)
	off = putString(buf, off, IPSize, m.IP)
	off = putString(buf, off, MACSize, m.MAC)
	copy(buf[off:], m.Data)
	return buf
}

// Decode parses a datagram. Bytes after the envelope are kept as Data only
// for TableUpdate messages.
func Decode(buf []byte) (Message, error) {
	if len(buf) < HeaderSize {
		return Message{}, fmt.Errorf("%w: %d < %d bytes", ErrShortMessage, len(buf), HeaderSize)
	}
	t := Type(buf[0])
	if !t.Valid() {
		return Message{}, fmt.Errorf("%w: %#x", ErrUnknownType, buf[0])
	}
	m := Message{Type: t, Seq: byteOrder.Uint32(buf[1:5])}
	off := 5
	m.Hostname, off = getString(buf, off, HostnameSize)
	m.IP, off = getString(buf, off, IPSize)
	m.MAC, off = getString(buf, off, MACSize)
	if t == TypeTableUpdate {
		m.Data = append([]byte(nil), buf[off:]...)
	}
	return m, nil
}

func putString(buf []byte, off, width int, s string) int {
	copy(buf[off:off+width], truncate(s, width))
	return off + width
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// getString reads a zero-padded field; the first NUL ends the string.
func getString(buf []byte, off, width int) (string, int) {
	field := buf[off : off+width]
	for i, b := range field {
		if b == 0 {
			field = field[:i]
			break
		}
	}
	return string(field), off + width
}
