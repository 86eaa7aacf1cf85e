package ipc

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/vrift/vrift"
)

// PeerUID returns the uid of the process at the other end of the socket,
// read from LOCAL_PEERCRED. The daemon rejects mutations whose peer uid does
// not match the manifest owner.
func PeerUID(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var cred *unix.Xucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	})
	if err != nil {
		return 0, err
	}
	if credErr != nil {
		return 0, vrift.Errorf(vrift.PermissionDenied, "peer credentials unavailable: %v", credErr)
	}
	return cred.Uid, nil
}
