package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMagicPacket(t *testing.T) {
	pkt, err := MagicPacket("5c:cd:5b:4e:da:7c")
	require.NoError(t, err)
	require.Len(t, pkt, 102)

	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 6), pkt[:6])
	mac := []byte{0x5c, 0xcd, 0x5b, 0x4e, 0xda, 0x7c}
	for i := 0; i < 16; i++ {
		off := 6 + i*6
		assert.Equal(t, mac, pkt[off:off+6], "repetition %d", i)
	}
}

func TestMagicPacketInvalidMAC(t *testing.T) {
	for _, mac := range []string{"", "not-a-mac", "00:11:22:33:44:55:66:77"} {
		_, err := MagicPacket(mac)
		assert.ErrorIs(t, err, ErrInvalidMAC, mac)
	}
}
