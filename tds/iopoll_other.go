//go:build !unix

package tds

import (
	"context"
	"net"
	"time"

	"github.com/ha1tch/tdsgo/pkg/tdserr"
)

// dialNamedPipeUnix is unavailable outside unix build targets; named
// pipe addressing falls back to this stub so session.go's dial path
// compiles everywhere, with a clear error at dial time rather than a
// build failure on platforms like Windows that would use a different
// named-pipe transport entirely.
func dialNamedPipeUnix(ctx context.Context, path string, timeout time.Duration) (net.Conn, error) {
	return nil, tdserr.New(tdserr.KindTransportIO, "named pipe transport not supported on this platform").WithField("path", path).Err()
}
