//go:build linux

package udpsocket

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setReceiveBuffer mirrors quic-go's sys_conn_helper_linux.go
// forceSetReceiveBuffer: reach through net.UDPConn's SyscallConn to call
// setsockopt directly, since the stdlib exposes no portable way to raise
// SO_RCVBUF past the OS default.
func setReceiveBuffer(conn *net.UDPConn, bytes int) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("couldn't get syscall.RawConn: %w", err)
	}
	var serr error
	if err := rawConn.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, bytes)
		if serr != nil {
			// SO_RCVBUFFORCE requires CAP_NET_ADMIN; fall back to the
			// unprivileged SO_RCVBUF, which the kernel silently caps at
			// net.core.rmem_max.
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
		}
	}); err != nil {
		return err
	}
	if errors.Is(serr, syscall.EPERM) {
		return nil
	}
	return serr
}

// setReusePort sets SO_REUSEPORT on fd before bind, letting the kernel load
// balance incoming datagrams across every socket in the pool that binds the
// same host:port, the same mechanism quic-go's own example servers use to
// run multiple accepting sockets behind one listening endpoint.
func setReusePort(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}
