// Package peercred derives the application identity of the process on the
// other end of a local socket.
package peercred

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const lookupTimeout = time.Second

var errUnsupported = errors.New("peer credentials unsupported on this platform")

type Cred struct {
	PID int32
	UID uint32
	GID uint32
}

// Identity is what the daemon knows about a connected process. HasCertInfo
// is false when AppID is a numeric fallback rather than a resolved
// executable name.
type Identity struct {
	AppID       string
	Cred        Cred
	HasCertInfo bool
}

type Resolver interface {
	Resolve(ctx context.Context, conn net.Conn) Identity
}

type ResolverFunc func(ctx context.Context, conn net.Conn) Identity

func (f ResolverFunc) Resolve(ctx context.Context, conn net.Conn) Identity { return f(ctx, conn) }

// Static resolves every connection to the same identity.
func Static(appID string, hasCertInfo bool) Resolver {
	return ResolverFunc(func(context.Context, net.Conn) Identity {
		return Identity{AppID: appID, HasCertInfo: hasCertInfo}
	})
}

// ProcResolver reads the kernel-attested pid of the peer and names it after
// its executable. When the executable cannot be read the pid is used
// instead, and when there is no pid a per-resolver sequence number is.
type ProcResolver struct {
	log *zap.SugaredLogger
	seq atomic.Uint64
}

func NewResolver() *ProcResolver {
	return &ProcResolver{log: zap.S().Named("peercred")}
}

func (r *ProcResolver) Resolve(ctx context.Context, conn net.Conn) Identity {
	cred, err := PeerCred(conn)
	if err != nil {
		id := strconv.FormatUint(r.seq.Add(1), 10)
		r.log.Debugw("peer credentials unavailable, using sequence number", "id", id, "err", err)
		return Identity{AppID: id}
	}

	exe, err := ExecutableName(ctx, cred.PID)
	if err != nil {
		r.log.Debugw("peer executable unavailable, using pid", "pid", cred.PID, "err", err)
		return Identity{AppID: strconv.Itoa(int(cred.PID)), Cred: cred}
	}
	return Identity{AppID: exe, Cred: cred, HasCertInfo: true}
}

// ExecutableName returns the base name of pid's executable.
func ExecutableName(ctx context.Context, pid int32) (string, error) {
	if pid <= 0 {
		return "", fmt.Errorf("invalid pid %d", pid)
	}
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", fmt.Errorf("find process %d: %w", pid, err)
	}
	exe, err := p.ExeWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("read executable of %d: %w", pid, err)
	}
	if exe == "" {
		return "", fmt.Errorf("process %d has no executable", pid)
	}
	return filepath.Base(exe), nil
}
