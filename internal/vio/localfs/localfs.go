// Package localfs implements the vio.Ops surface against the local POSIX
// filesystem. URIs are plain absolute paths.
package localfs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"syscall"
	"time"

	"github.com/openmined/bisync/internal/vio"
)

type VFS struct {
	caps vio.Capabilities
}

func New() *VFS {
	return &VFS{
		caps: vio.Capabilities{
			// rename(2) gives atomicity only via the temp-file
			// strategy, which the engine always uses for local
			// destinations.
			AtomicOverwrite: false,
			PostCopyStat:    true,
		},
	}
}

func (v *VFS) Caps() vio.Capabilities {
	return v.caps
}

type fileHandle struct {
	f   *os.File
	uri string
}

func (h *fileHandle) Read(p []byte) (int, error)  { return h.f.Read(p) }
func (h *fileHandle) Write(p []byte) (int, error) { return h.f.Write(p) }
func (h *fileHandle) Close() error                { return h.f.Close() }
func (h *fileHandle) Name() string                { return h.uri }

// File exposes the underlying descriptor for same-host fast paths.
func (h *fileHandle) File() *os.File { return h.f }

func (v *VFS) Open(_ context.Context, uri string, flags vio.OpenFlags, mode fs.FileMode) (vio.Handle, error) {
	f, err := os.OpenFile(uri, sysOpenFlags(flags), mode)
	if err != nil {
		return nil, wrap("open", uri, err, vio.StatusOpenError)
	}
	return &fileHandle{f: f, uri: uri}, nil
}

func (v *VFS) Stat(_ context.Context, uri string) (*vio.FileInfo, error) {
	info, err := os.Lstat(uri)
	if err != nil {
		return nil, wrap("stat", uri, err, vio.StatusPropagateError)
	}
	fi := &vio.FileInfo{
		Size:    info.Size(),
		ModTime: info.ModTime().Unix(),
		Mode:    info.Mode(),
		IsDir:   info.IsDir(),
	}
	fillSys(fi, info)
	return fi, nil
}

func (v *VFS) Mkdirs(_ context.Context, uri string, mode fs.FileMode) error {
	if err := os.MkdirAll(uri, mode); err != nil {
		return wrap("mkdirs", uri, err, vio.StatusPropagateError)
	}
	return nil
}

func (v *VFS) Rename(_ context.Context, src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return wrap("rename", dst, err, vio.StatusPropagateError)
	}
	return nil
}

func (v *VFS) Unlink(_ context.Context, uri string) error {
	if err := os.Remove(uri); err != nil {
		return wrap("unlink", uri, err, vio.StatusPropagateError)
	}
	return nil
}

func (v *VFS) Rmdir(_ context.Context, uri string) error {
	err := syscall.Rmdir(uri)
	if err != nil {
		return wrap("rmdir", uri, err, vio.StatusPropagateError)
	}
	return nil
}

func (v *VFS) Chmod(_ context.Context, uri string, mode fs.FileMode) error {
	if err := os.Chmod(uri, mode); err != nil {
		return wrap("chmod", uri, err, vio.StatusPropagateError)
	}
	return nil
}

func (v *VFS) Chown(_ context.Context, uri string, uid, gid uint32) error {
	if err := os.Chown(uri, int(uid), int(gid)); err != nil {
		return wrap("chown", uri, err, vio.StatusPropagateError)
	}
	return nil
}

func (v *VFS) Utimes(_ context.Context, uri string, modtime int64) error {
	t := time.Unix(modtime, 0)
	if err := os.Chtimes(uri, t, t); err != nil {
		return wrap("utimes", uri, err, vio.StatusPropagateError)
	}
	return nil
}

// FileID always fails: the local filesystem has no server-assigned ids.
func (v *VFS) FileID(_ context.Context, uri string) (string, error) {
	return "", vio.ErrNotSupported
}

func (v *VFS) Put(context.Context, vio.Handle, vio.Handle, int64) error {
	return vio.ErrNotSupported
}

func (v *VFS) Get(context.Context, vio.Handle, vio.Handle, int64) error {
	return vio.ErrNotSupported
}

func (v *VFS) Sendfile(context.Context, vio.Handle, vio.Handle, *vio.HbfInfo) error {
	return vio.ErrNotSupported
}

func sysOpenFlags(flags vio.OpenFlags) int {
	var f int
	switch {
	case flags&vio.OpenRead != 0 && flags&vio.OpenWrite != 0:
		f = os.O_RDWR
	case flags&vio.OpenWrite != 0:
		f = os.O_WRONLY
	default:
		f = os.O_RDONLY
	}
	if flags&vio.OpenCreate != 0 {
		f |= os.O_CREATE
	}
	if flags&vio.OpenExcl != 0 {
		f |= os.O_EXCL
	}
	if flags&vio.OpenAppend != 0 {
		f |= os.O_APPEND
	}
	f |= sysExtraFlags(flags)
	return f
}

func wrap(op, uri string, err error, status vio.StatusCode) error {
	return &vio.Error{
		Op:     op,
		Path:   uri,
		Errno:  errnoOf(err),
		Status: status,
		Err:    err,
	}
}

func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}
