package port

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIsPortFree_DetectsListener verifies a held port reads as busy and
// reads as free again after the listener closes.
func TestIsPortFree_DetectsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	s := NewScanner()
	assert.False(t, s.IsPortFree(port), fmt.Sprintf("port %d should be busy while held", port))

	require.NoError(t, ln.Close())
	assert.True(t, s.IsPortFree(port))
}
