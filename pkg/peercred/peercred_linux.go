//go:build linux

package peercred

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// PeerCred returns SO_PEERCRED for a unix socket connection.
func PeerCred(conn net.Conn) (Cred, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return Cred{}, fmt.Errorf("%T is not a socket", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return Cred{}, fmt.Errorf("raw conn: %w", err)
	}

	var (
		ucred   *unix.Ucred
		sockErr error
	)
	if err := raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return Cred{}, fmt.Errorf("control: %w", err)
	}
	if sockErr != nil {
		return Cred{}, fmt.Errorf("SO_PEERCRED: %w", sockErr)
	}
	if ucred == nil || ucred.Pid <= 0 {
		return Cred{}, fmt.Errorf("SO_PEERCRED returned no pid")
	}
	return Cred{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}, nil
}
