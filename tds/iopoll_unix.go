//go:build unix

package tds

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/ha1tch/tdsgo/pkg/tdserr"
	"golang.org/x/sys/unix"
)

// dialNamedPipeUnix connects to a Unix-domain socket standing in for a
// TDS named-pipe endpoint. The connect is done non-blocking with
// golang.org/x/sys/unix; only when it reports EINPROGRESS is the socket
// polled for writability (bounded by ctx and timeout). Any other connect
// error, such as a missing socket path or no listener on it, is returned
// at once.
func dialNamedPipeUnix(ctx context.Context, path string, timeout time.Duration) (net.Conn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, tdserr.Wrap(err, tdserr.KindTransportIO, "creating pipe socket").Err()
	}
	closeFd := true
	defer func() {
		if closeFd {
			unix.Close(fd)
		}
	}()

	sa := &unix.SockaddrUnix{Name: path}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		return nil, tdserr.Wrap(err, tdserr.KindTransportIO, "connecting to pipe").WithField("path", path).Err()
	}
	if err == unix.EINPROGRESS {
		if err := waitWritable(ctx, fd, timeout); err != nil {
			return nil, err
		}
		if serr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); gerr == nil && serr != 0 {
			return nil, tdserr.Wrap(unix.Errno(serr), tdserr.KindTransportIO, "connecting to pipe").WithField("path", path).Err()
		}
	}

	if err := unix.SetNonblock(fd, false); err != nil {
		return nil, tdserr.Wrap(err, tdserr.KindTransportIO, "clearing nonblock").Err()
	}

	f := os.NewFile(uintptr(fd), path)
	defer f.Close()
	closeFd = false // f.Close() now owns the fd

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, tdserr.Wrap(err, tdserr.KindTransportIO, "wrapping pipe fd").Err()
	}
	return conn, nil
}

// waitWritable polls fd for POLLOUT readiness, honoring both ctx
// cancellation and an absolute timeout, in short slices so ctx.Done()
// is checked regularly rather than blocking the whole timeout in one
// unix.Poll call.
func waitWritable(ctx context.Context, fd int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-ctx.Done():
			return tdserr.Wrap(ctx.Err(), tdserr.KindTransportIO, "waiting for pipe").Err()
		default:
		}

		slice := 100
		if remaining := time.Until(deadline); remaining <= 0 {
			return tdserr.New(tdserr.KindTransportIO, "timed out waiting for named pipe").Err()
		} else if ms := int(remaining.Milliseconds()); ms < slice {
			slice = ms
		}

		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(pfd, slice)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return tdserr.Wrap(err, tdserr.KindTransportIO, "polling pipe socket").Err()
		}
		if n > 0 && pfd[0].Revents&unix.POLLOUT != 0 {
			return nil
		}
	}
}
