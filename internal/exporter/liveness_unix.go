//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package exporter

import (
	"crypto/tls"
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// probe peeks at the socket without consuming or blocking. The aggregator
// never writes to us, so a zero-byte peek means it closed the link.
func probe(conn net.Conn) error {
	if tc, ok := conn.(*tls.Conn); ok {
		conn = tc.NetConn()
	}

	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	var (
		n       int
		peekErr error
		buf     [1]byte
	)

	err = raw.Read(func(fd uintptr) bool {
		n, _, peekErr = unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)

		return true
	})
	if err != nil {
		return err
	}

	switch {
	case errors.Is(peekErr, unix.EAGAIN), errors.Is(peekErr, unix.EWOULDBLOCK), errors.Is(peekErr, unix.EINTR):
		return nil
	case peekErr != nil:
		return peekErr
	case n == 0:
		return ErrPeerClosed
	default:
		return nil
	}
}
