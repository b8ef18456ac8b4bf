package vio

import (
	"context"
	"io/fs"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

// stubOps only exists to give the gateway two distinguishable backends.
type stubOps struct {
	name string
}

func (s *stubOps) Caps() Capabilities { return Capabilities{} }
func (s *stubOps) Open(context.Context, string, OpenFlags, fs.FileMode) (Handle, error) {
	return nil, ErrNotSupported
}
func (s *stubOps) Stat(context.Context, string) (*FileInfo, error)      { return nil, ErrNotSupported }
func (s *stubOps) Mkdirs(context.Context, string, fs.FileMode) error    { return ErrNotSupported }
func (s *stubOps) Rename(context.Context, string, string) error         { return ErrNotSupported }
func (s *stubOps) Unlink(context.Context, string) error                 { return ErrNotSupported }
func (s *stubOps) Rmdir(context.Context, string) error                  { return ErrNotSupported }
func (s *stubOps) Chmod(context.Context, string, fs.FileMode) error     { return ErrNotSupported }
func (s *stubOps) Chown(context.Context, string, uint32, uint32) error  { return ErrNotSupported }
func (s *stubOps) Utimes(context.Context, string, int64) error          { return ErrNotSupported }
func (s *stubOps) FileID(context.Context, string) (string, error)       { return "", ErrNotSupported }
func (s *stubOps) Put(context.Context, Handle, Handle, int64) error     { return ErrNotSupported }
func (s *stubOps) Get(context.Context, Handle, Handle, int64) error     { return ErrNotSupported }
func (s *stubOps) Sendfile(context.Context, Handle, Handle, *HbfInfo) error {
	return ErrNotSupported
}

func TestGatewayOn(t *testing.T) {
	local := &stubOps{name: "local"}
	remote := &stubOps{name: "remote"}
	gw := NewGateway(local, remote)

	assert.Same(t, local, gw.On(Local))
	assert.Same(t, remote, gw.On(Remote))
	assert.Same(t, remote, gw.On(Local.Other()))
	assert.Same(t, local, gw.On(Remote.Other()))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, StatusOK, Classify(nil, StatusPropagateError))
	assert.Equal(t, StatusAborted, Classify(ErrAborted, StatusPropagateError))
	assert.Equal(t, StatusMemoryError,
		Classify(&Error{Op: "open", Errno: syscall.ENOMEM, Status: StatusOpenError}, StatusPropagateError))
	assert.Equal(t, StatusParamError,
		Classify(&Error{Op: "open", Errno: syscall.EINVAL}, StatusPropagateError))
	assert.Equal(t, StatusOpenError,
		Classify(&Error{Op: "open", Errno: syscall.ENOENT, Status: StatusOpenError}, StatusPropagateError))
	assert.Equal(t, StatusPropagateError, Classify(assert.AnError, StatusPropagateError))
}

func TestSeverityOf(t *testing.T) {
	assert.Equal(t, SeverityIgnore, SeverityOf(nil))
	assert.Equal(t, SeverityFatal, SeverityOf(ErrAborted))
	assert.Equal(t, SeverityFatal, SeverityOf(&Error{Op: "x", Err: ErrAborted}))
	assert.Equal(t, SeverityFatal, SeverityOf(&Error{Op: "x", Errno: syscall.ENOMEM}))
	assert.Equal(t, SeveritySoft, SeverityOf(&Error{Op: "x", Errno: syscall.EACCES}))
}

func TestErrno(t *testing.T) {
	assert.Equal(t, syscall.ENOENT, Errno(&Error{Op: "x", Errno: syscall.ENOENT}))
	assert.Equal(t, syscall.Errno(0), Errno(assert.AnError))
	assert.Equal(t, syscall.EIO, Errno(syscall.EIO))
}
