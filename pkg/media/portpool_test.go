package media

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPortPoolAllocatesEvenPortsOnly(t *testing.T) {
	pool := NewPortPool(10001, 10010)
	port, err := pool.Allocate()
	require.NoError(t, err)
	require.Zero(t, port%2, "RTP ports must be even so RTCP can take port+1")
}

func TestPortPoolDoesNotReallocateUntilReleased(t *testing.T) {
	pool := NewPortPool(10000, 10004)
	seen := map[uint16]bool{}
	for i := 0; i < 3; i++ {
		port, err := pool.Allocate()
		require.NoError(t, err)
		require.False(t, seen[port], "port %d allocated twice", port)
		seen[port] = true
	}
}

func TestPortPoolExhaustion(t *testing.T) {
	pool := NewPortPool(10000, 10002)
	_, err := pool.Allocate()
	require.NoError(t, err)
	_, err = pool.Allocate()
	require.NoError(t, err)
	_, err = pool.Allocate()
	require.Error(t, err)
}

func TestPortPoolReleaseMakesPortAvailableAgain(t *testing.T) {
	pool := NewPortPool(10000, 10000)
	port, err := pool.Allocate()
	require.NoError(t, err)

	_, err = pool.Allocate()
	require.Error(t, err, "pool of one port should be exhausted")

	pool.Release(port)
	reallocated, err := pool.Allocate()
	require.NoError(t, err)
	require.Equal(t, port, reallocated)
}
