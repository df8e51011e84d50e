//go:build windows

package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBTHAddrMostSignificantOctetFirst(t *testing.T) {
	got, err := parseBTHAddr("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	require.Equal(t, uint64(0xAABBCCDDEEFF), got)
}

func TestParseBTHAddrRejectsWrongPartCount(t *testing.T) {
	_, err := parseBTHAddr("AA:BB:CC")
	require.Error(t, err)
}

func TestPackSockaddrBTHLength(t *testing.T) {
	sa := packSockaddrBTH(0xAABBCCDDEEFF, 7)
	require.Len(t, sa, 2+sockBTHAddrLen)
}
