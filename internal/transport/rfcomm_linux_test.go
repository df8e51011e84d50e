//go:build linux

package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBDAddrReversesOctets(t *testing.T) {
	got, err := parseBDAddr("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	require.Equal(t, [6]byte{0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA}, got)
}

func TestParseBDAddrRejectsWrongPartCount(t *testing.T) {
	_, err := parseBDAddr("AA:BB:CC")
	require.Error(t, err)
}

func TestParseBDAddrRejectsNonHexOctet(t *testing.T) {
	_, err := parseBDAddr("AA:BB:CC:DD:EE:ZZ")
	require.Error(t, err)
}

func TestPackSockaddrRCLength(t *testing.T) {
	sa := packSockaddrRC([6]byte{1, 2, 3, 4, 5, 6}, 7)
	require.Len(t, sa, sockaddrRCLen)
	require.Equal(t, byte(7), sa[8])
}
