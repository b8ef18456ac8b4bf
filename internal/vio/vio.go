// Package vio defines the virtual I/O surface the propagator drives. A backend
// implements Ops against one replica (local filesystem, remote server) and
// declares what it can do through Capabilities; the propagator picks its
// transfer strategy from those flags and never talks to a concrete transport.
package vio

import (
	"context"
	"io"
	"io/fs"
)

// Replica identifies one of the two synchronized sides.
type Replica int

const (
	Local Replica = iota
	Remote
)

func (r Replica) String() string {
	if r == Local {
		return "local"
	}
	return "remote"
}

// Other returns the opposite replica.
func (r Replica) Other() Replica {
	if r == Local {
		return Remote
	}
	return Local
}

// OpenFlags is a backend-neutral open mode. Backends map these onto their
// native flags; bits a backend cannot honor (NoATime on a remote) are ignored.
type OpenFlags uint32

const (
	OpenRead OpenFlags = 1 << iota
	OpenWrite
	OpenCreate
	OpenExcl
	OpenAppend
	OpenNoFollow
	OpenNoATime
	OpenNoCTTY
)

// FileInfo is the stat result shared by all backends. Fingerprint is the
// server-assigned file id and stays empty on backends without ids.
type FileInfo struct {
	Size        int64
	ModTime     int64
	Mode        fs.FileMode
	Inode       uint64
	UID         uint32
	GID         uint32
	Fingerprint string
	IsDir       bool
}

// HbfInfo is the resumable-upload cursor: the next chunk to send and the
// server-assigned transfer id. Sendfile reads it to resume and updates it as
// chunks are acknowledged, so a failed call leaves it at the resume point.
type HbfInfo struct {
	StartChunk int64
	TransferID int64
}

// Handle is an open file on either replica. Name returns the URI it was
// opened with.
type Handle interface {
	io.Reader
	io.Writer
	io.Closer
	Name() string
}

// Ops is the operation set of one replica backend. Every method returns a
// *Error on failure so callers can classify the errno uniformly, except that
// an operation a backend does not implement returns ErrNotSupported. Put, Get
// and Sendfile return ErrNotSupported unless the matching capability is
// declared.
type Ops interface {
	Caps() Capabilities

	Open(ctx context.Context, uri string, flags OpenFlags, mode fs.FileMode) (Handle, error)
	Stat(ctx context.Context, uri string) (*FileInfo, error)
	Mkdirs(ctx context.Context, uri string, mode fs.FileMode) error
	Rename(ctx context.Context, src, dst string) error
	Unlink(ctx context.Context, uri string) error
	Rmdir(ctx context.Context, uri string) error
	Chmod(ctx context.Context, uri string, mode fs.FileMode) error
	Chown(ctx context.Context, uri string, uid, gid uint32) error
	Utimes(ctx context.Context, uri string, modtime int64) error

	// FileID returns the current server-side fingerprint for the URI.
	FileID(ctx context.Context, uri string) (string, error)

	// Put streams a whole local source to the destination in one shot.
	Put(ctx context.Context, src, dst Handle, size int64) error
	// Get streams a whole remote source to the destination in one shot.
	Get(ctx context.Context, dst, src Handle, size int64) error
	// Sendfile streams src to dst with chunk resume via hbf.
	Sendfile(ctx context.Context, src, dst Handle, hbf *HbfInfo) error
}

// Gateway binds the two replica backends for one sync run.
type Gateway struct {
	local  Ops
	remote Ops
}

func NewGateway(local, remote Ops) *Gateway {
	return &Gateway{local: local, remote: remote}
}

// On returns the backend serving the given replica.
func (g *Gateway) On(r Replica) Ops {
	if r == Local {
		return g.local
	}
	return g.remote
}
