//go:build !linux

package peercred

import "net"

func PeerCred(net.Conn) (Cred, error) {
	return Cred{}, errUnsupported
}
