package tds

import (
	"net"
	"testing"
)

// pipeConnPair returns two in-memory connected net.Conns, used to drive
// Conn/Session logic end-to-end without a real socket.
func pipeConnPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	client, server = net.Pipe()
	return client, server
}
