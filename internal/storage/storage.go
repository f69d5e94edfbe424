// Package storage delivers finished archives to their target: a local
// directory, a remote host over SSH/SFTP, or nowhere at all. An optional
// S3 mirror receives a best-effort extra copy.
package storage

import (
	"context"

	"github.com/tis24dev/rcbackup/internal/config"
)

// Kind is the transfer behavior a target resolves to.
type Kind int

const (
	// KindNone leaves the archive where it was built.
	KindNone Kind = iota
	// KindLocal copies the archive into another local directory.
	KindLocal
	// KindRemote uploads the archive over SSH.
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	default:
		return "none"
	}
}

// Resolve decides how an archive at archivePath is delivered to target.
func Resolve(target config.Target, archivePath string) Kind {
	switch {
	case target.IsRemote():
		return KindRemote
	case target.IsLocalFor(archivePath):
		return KindLocal
	default:
		return KindNone
	}
}

// Dialer opens authenticated remote-copy sessions.
type Dialer interface {
	Dial(ctx context.Context, target config.Target) (Session, error)
}

// Session copies single files to and from a remote host.
type Session interface {
	Put(ctx context.Context, localPath, remotePath string) error
	Get(ctx context.Context, remotePath, localPath string) error
	Close() error
}

// Mirror receives an extra copy of every delivered archive. Mirror
// failures never fail a delivery.
type Mirror interface {
	Name() string
	Upload(ctx context.Context, localPath string) error
}
