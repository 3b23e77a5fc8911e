//go:build !linux

package udpsocket

import "net"

// setReceiveBuffer is a no-op on platforms where this module doesn't know
// how to force SO_RCVBUF past the default; the unprivileged net package API
// exposes no portable setter, mirroring quic-go's own split between
// sys_conn_helper_linux.go and its darwin/freebsd/windows counterparts.
func setReceiveBuffer(conn *net.UDPConn, bytes int) error {
	return nil
}

// setReusePort is a no-op on platforms where this module doesn't know how
// to set SO_REUSEPORT; a socket pool built with reusePort requested still
// runs here, just without the kernel-side load balancing, the same
// graceful degradation setReceiveBuffer above applies to SO_RCVBUF.
func setReusePort(fd uintptr) error {
	return nil
}
