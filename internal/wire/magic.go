package wire

import (
	"bytes"
	"errors"
	"fmt"
	"net"
)

// MagicPacketSize is 6 sync bytes plus the MAC repeated 16 times.
const MagicPacketSize = 6 + 16*6

// ErrInvalidMAC is returned when a magic packet target is not a 48-bit MAC.
var ErrInvalidMAC = errors.New("wire: invalid MAC address")

// MagicPacket builds the Wake-on-LAN frame for mac ("AA:BB:CC:DD:EE:FF").
func MagicPacket(mac string) ([]byte, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMAC, err)
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("%w: %q is %d bytes", ErrInvalidMAC, mac, len(hw))
	}
	pkt := make([]byte, 0, MagicPacketSize)
	pkt = append(pkt, bytes.Repeat([]byte{0xFF}, 6)...)
	for i := 0; i < 16; i++ {
		pkt = append(pkt, hw...)
	}
	return pkt, nil
}
