// Package trust decides whether two applications share a signing
// certificate. Each connection owns one Oracle; answers are cached for the
// lifetime of the connection.
package trust

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const DefaultCompareTimeout = 5 * time.Second

type Oracle struct {
	comparator Comparator
	log        *zap.SugaredLogger
	cache      map[string]bool
	self       string
	group      singleflight.Group
	timeout    time.Duration
	mu         sync.Mutex
	noCert     bool
}

// NewOracle returns the oracle for a connection whose application identity is
// self. hasCertInfo is false when the identity could not be resolved well
// enough to carry certificate metadata, in which case every peer is trusted.
func NewOracle(self string, hasCertInfo bool, comparator Comparator, timeout time.Duration) *Oracle {
	if timeout <= 0 {
		timeout = DefaultCompareTimeout
	}
	return &Oracle{
		self:       self,
		noCert:     !hasCertInfo || comparator == nil,
		comparator: comparator,
		cache:      make(map[string]bool),
		timeout:    timeout,
		log:        zap.S().Named("trust").With("app", self),
	}
}

func (o *Oracle) Self() string { return o.self }

// HasCertInfo reports whether the oracle still enforces trust. It turns false
// permanently once a comparison reports missing certificate metadata.
func (o *Oracle) HasCertInfo() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.noCert
}

// IsPeerTrusted reports whether peer may talk to this application's trusted
// ports. Applications without certificate metadata fail open.
func (o *Oracle) IsPeerTrusted(ctx context.Context, peer string) bool {
	o.mu.Lock()
	if o.noCert {
		o.mu.Unlock()
		return true
	}
	if trusted, ok := o.cache[peer]; ok {
		o.mu.Unlock()
		return trusted
	}
	o.mu.Unlock()

	v, _, _ := o.group.Do(peer, func() (any, error) {
		return o.query(ctx, peer), nil
	})
	return v.(bool) //nolint:forcetypeassert
}

func (o *Oracle) query(ctx context.Context, peer string) bool {
	o.mu.Lock()
	if o.noCert {
		o.mu.Unlock()
		return true
	}
	if trusted, ok := o.cache[peer]; ok {
		o.mu.Unlock()
		return trusted
	}
	o.mu.Unlock()

	// The verdict is cached for every later caller, so it must not depend on
	// whether this caller is still waiting for it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	res, err := o.comparator.Compare(ctx, o.self, peer)

	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case err != nil:
		o.log.Warnw("certificate comparison failed", "peer", peer, "err", err)
		o.cache[peer] = false
		return false
	case res == Match:
		o.cache[peer] = true
		return true
	case res.NoCert():
		o.log.Debugw("certificate metadata missing, trust checks disabled", "peer", peer, "result", res)
		o.noCert = true
		return true
	default:
		o.cache[peer] = false
		return false
	}
}
