package trust

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Result is the outcome of comparing the signing certificates of two
// applications.
type Result int

const (
	Match Result = iota
	Mismatch
	SelfNoCert
	PeerNoCert
	BothNoCert
)

func (r Result) String() string {
	switch r {
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	case SelfNoCert:
		return "self-no-cert"
	case PeerNoCert:
		return "peer-no-cert"
	case BothNoCert:
		return "both-no-cert"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// NoCert reports whether either side lacked certificate metadata.
func (r Result) NoCert() bool {
	return r == SelfNoCert || r == PeerNoCert || r == BothNoCert
}

// Comparator answers whether two application identities were signed with
// the same certificate.
type Comparator interface {
	Compare(ctx context.Context, self, peer string) (Result, error)
}

const certSuffix = ".pem"

var errInvalidAppID = errors.New("invalid application id")

// FileComparator looks up <Dir>/<appID>.pem and compares the fingerprint of
// the first certificate in each file. A missing file means the application
// has no certificate.
type FileComparator struct {
	Dir string
}

func NewFileComparator(dir string) *FileComparator {
	return &FileComparator{Dir: dir}
}

func (c *FileComparator) Compare(ctx context.Context, self, peer string) (Result, error) {
	selfFP, err := c.fingerprint(ctx, self)
	if err != nil {
		return Mismatch, err
	}
	peerFP, err := c.fingerprint(ctx, peer)
	if err != nil {
		return Mismatch, err
	}

	switch {
	case selfFP == nil && peerFP == nil:
		return BothNoCert, nil
	case selfFP == nil:
		return SelfNoCert, nil
	case peerFP == nil:
		return PeerNoCert, nil
	case bytes.Equal(selfFP, peerFP):
		return Match, nil
	default:
		return Mismatch, nil
	}
}

// HasCertificate reports whether a certificate file exists for appID.
func (c *FileComparator) HasCertificate(appID string) bool {
	path, err := c.path(appID)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

func (c *FileComparator) path(appID string) (string, error) {
	if appID == "" || strings.ContainsAny(appID, `/\`) || appID == "." || appID == ".." {
		return "", fmt.Errorf("%w: %q", errInvalidAppID, appID)
	}
	return filepath.Join(c.Dir, appID+certSuffix), nil
}

func (c *FileComparator) fingerprint(ctx context.Context, appID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := c.path(appID)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read certificate for %s: %w", appID, err)
	}

	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("certificate for %s: no PEM certificate block", appID)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate for %s: %w", appID, err)
	}

	sum := sha256.Sum256(cert.Raw)
	return sum[:], nil
}
