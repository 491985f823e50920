//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package exporter

import "net"

// probe cannot peek portably here; a dead link surfaces on the next write.
func probe(_ net.Conn) error {
	return nil
}
