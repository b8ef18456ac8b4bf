// Package httpvio implements the vio.Ops surface against a remote HTTP server
// speaking WebDAV-style verbs (MKCOL, MOVE, DELETE) with chunked, resumable
// uploads. URIs are absolute http(s) URLs.
package httpvio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/imroc/req/v3"

	"github.com/openmined/bisync/internal/vio"
)

const (
	defaultChunkSize = int64(10 * 1024 * 1024)

	hdrMtime      = "X-OC-Mtime"
	hdrFileID     = "OC-FileId"
	hdrChunked    = "OC-Chunked"
	hdrChunkID    = "OC-Chunk-Id"
	hdrTransferID = "OC-Transfer-Id"
	hdrChunkLast  = "OC-Chunk-Last"
)

type Option func(*Client)

// WithChunkSize overrides the upload chunk size.
func WithChunkSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithHTTPClient substitutes the underlying req client (used by tests).
func WithHTTPClient(hc *req.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

type Client struct {
	http      *req.Client
	chunkSize int64
	caps      vio.Capabilities
}

func New(opts ...Option) *Client {
	c := &Client{
		// responses are not auto-read: GET bodies stream into handles,
		// everything else is closed after the status check
		http: req.C().
			SetTimeout(5 * time.Minute).
			SetUserAgent("bisync").
			DisableAutoReadResponse(),
		chunkSize: defaultChunkSize,
		caps: vio.Capabilities{
			AtomicOverwrite: true,
			UseSendfile:     true,
			PostCopyStat:    true,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Caps() vio.Capabilities {
	return c.caps
}

// readHandle streams a GET body.
type readHandle struct {
	uri  string
	body io.ReadCloser
}

func (h *readHandle) Read(p []byte) (int, error) { return h.body.Read(p) }
func (h *readHandle) Write([]byte) (int, error)  { return 0, vio.ErrNotSupported }
func (h *readHandle) Close() error               { return h.body.Close() }
func (h *readHandle) Name() string               { return h.uri }

// writeHandle carries the destination URI. Bytes only move through Sendfile;
// the server writes atomically, so there is nothing to buffer here.
type writeHandle struct {
	uri string
}

func (h *writeHandle) Read([]byte) (int, error)  { return 0, vio.ErrNotSupported }
func (h *writeHandle) Write([]byte) (int, error) { return 0, vio.ErrNotSupported }
func (h *writeHandle) Close() error              { return nil }
func (h *writeHandle) Name() string              { return h.uri }

func (c *Client) Open(ctx context.Context, uri string, flags vio.OpenFlags, _ fs.FileMode) (vio.Handle, error) {
	if flags&vio.OpenWrite != 0 {
		return &writeHandle{uri: uri}, nil
	}

	resp, err := c.http.R().SetContext(ctx).Get(uri)
	if err != nil {
		return nil, wrapTransport("open", uri, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, wrapStatus("open", uri, resp.StatusCode, vio.StatusOpenError)
	}
	return &readHandle{uri: uri, body: resp.Body}, nil
}

func (c *Client) Stat(ctx context.Context, uri string) (*vio.FileInfo, error) {
	resp, err := c.http.R().SetContext(ctx).Head(uri)
	if err != nil {
		return nil, wrapTransport("stat", uri, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, wrapStatus("stat", uri, resp.StatusCode, vio.StatusPropagateError)
	}

	fi := &vio.FileInfo{
		Fingerprint: fileIDFromHeaders(resp.Header),
		IsDir:       strings.HasPrefix(resp.GetHeader("Content-Type"), "httpd/unix-directory"),
	}
	if cl := resp.GetHeader("Content-Length"); cl != "" {
		fi.Size, _ = strconv.ParseInt(cl, 10, 64)
	}
	if lm := resp.GetHeader("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			fi.ModTime = t.Unix()
		}
	}
	return fi, nil
}

// Mkdirs issues MKCOL bottom-up: try the full path, back off to missing
// parents on 409, then redo the children.
func (c *Client) Mkdirs(ctx context.Context, uri string, _ fs.FileMode) error {
	var pending []string
	cur := uri
	for {
		resp, err := c.http.R().SetContext(ctx).Send("MKCOL", cur)
		if err != nil {
			return wrapTransport("mkdirs", cur, err)
		}
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusCreated, http.StatusOK, http.StatusMethodNotAllowed:
			// created, or collection already there
		case http.StatusConflict:
			parent := parentURL(cur)
			if parent == "" || parent == cur {
				return wrapStatus("mkdirs", cur, resp.StatusCode, vio.StatusPropagateError)
			}
			pending = append(pending, cur)
			cur = parent
			continue
		default:
			return wrapStatus("mkdirs", cur, resp.StatusCode, vio.StatusPropagateError)
		}
		if len(pending) == 0 {
			return nil
		}
		cur = pending[len(pending)-1]
		pending = pending[:len(pending)-1]
	}
}

func (c *Client) Rename(ctx context.Context, src, dst string) error {
	resp, err := c.http.R().SetContext(ctx).
		SetHeader("Destination", dst).
		SetHeader("Overwrite", "T").
		Send("MOVE", src)
	if err != nil {
		return wrapTransport("rename", src, err)
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusNoContent, http.StatusOK:
		return nil
	}
	return wrapStatus("rename", src, resp.StatusCode, vio.StatusPropagateError)
}

func (c *Client) Unlink(ctx context.Context, uri string) error {
	return c.delete(ctx, "unlink", uri)
}

func (c *Client) Rmdir(ctx context.Context, uri string) error {
	return c.delete(ctx, "rmdir", uri)
}

func (c *Client) delete(ctx context.Context, op, uri string) error {
	resp, err := c.http.R().SetContext(ctx).Delete(uri)
	if err != nil {
		return wrapTransport(op, uri, err)
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	}
	return wrapStatus(op, uri, resp.StatusCode, vio.StatusPropagateError)
}

// Chmod is accepted and dropped: HTTP replicas have no POSIX modes.
func (c *Client) Chmod(context.Context, string, fs.FileMode) error {
	return nil
}

// Chown is accepted and dropped for the same reason.
func (c *Client) Chown(context.Context, string, uint32, uint32) error {
	return nil
}

func (c *Client) Utimes(ctx context.Context, uri string, modtime int64) error {
	resp, err := c.http.R().SetContext(ctx).
		SetHeader(hdrMtime, strconv.FormatInt(modtime, 10)).
		Send("PROPPATCH", uri)
	if err != nil {
		return wrapTransport("utimes", uri, err)
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusMultiStatus:
		return nil
	}
	return wrapStatus("utimes", uri, resp.StatusCode, vio.StatusPropagateError)
}

func (c *Client) FileID(ctx context.Context, uri string) (string, error) {
	fi, err := c.Stat(ctx, uri)
	if err != nil {
		return "", err
	}
	return fi.Fingerprint, nil
}

func (c *Client) Put(context.Context, vio.Handle, vio.Handle, int64) error {
	return vio.ErrNotSupported
}

func (c *Client) Get(context.Context, vio.Handle, vio.Handle, int64) error {
	return vio.ErrNotSupported
}

// Sendfile streams src to dst. Uploads (dst is a remote writeHandle) go in
// chunks with hbf resume; downloads are a plain copy from the GET stream.
func (c *Client) Sendfile(ctx context.Context, src, dst vio.Handle, hbf *vio.HbfInfo) error {
	wh, ok := dst.(*writeHandle)
	if !ok {
		return c.download(ctx, src, dst)
	}
	return c.upload(ctx, src, wh, hbf)
}

func (c *Client) upload(ctx context.Context, src vio.Handle, dst *writeHandle, hbf *vio.HbfInfo) error {
	if hbf == nil {
		hbf = &vio.HbfInfo{}
	}
	if hbf.TransferID == 0 {
		hbf.TransferID = rand.Int63()
	}

	// Skip over the chunks the server already acknowledged.
	if hbf.StartChunk > 0 {
		if err := discard(src, hbf.StartChunk*c.chunkSize); err != nil {
			return wrapTransport("sendfile", src.Name(), err)
		}
	}

	buf := make([]byte, c.chunkSize)
	for chunk := hbf.StartChunk; ; chunk++ {
		if err := ctx.Err(); err != nil {
			return &vio.Error{Op: "sendfile", Path: dst.uri, Status: vio.StatusAborted, Err: vio.ErrAborted}
		}

		n, rerr := io.ReadFull(src, buf)
		if rerr != nil && !errors.Is(rerr, io.EOF) && !errors.Is(rerr, io.ErrUnexpectedEOF) {
			return wrapTransport("sendfile", src.Name(), rerr)
		}
		last := n < len(buf)

		resp, err := c.http.R().SetContext(ctx).
			SetHeader(hdrChunked, "1").
			SetHeader(hdrChunkID, strconv.FormatInt(chunk, 10)).
			SetHeader(hdrTransferID, strconv.FormatInt(hbf.TransferID, 10)).
			SetHeader(hdrChunkLast, strconv.FormatBool(last)).
			SetBodyBytes(buf[:n]).
			Put(dst.uri)
		if err != nil {
			return wrapTransport("sendfile", dst.uri, err)
		}
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		default:
			return wrapStatus("sendfile", dst.uri, resp.StatusCode, vio.StatusPropagateError)
		}

		// Chunk acknowledged; advance the resume cursor.
		hbf.StartChunk = chunk + 1
		if last {
			return nil
		}
	}
}

func (c *Client) download(ctx context.Context, src, dst vio.Handle) error {
	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			return &vio.Error{Op: "sendfile", Path: dst.Name(), Status: vio.StatusAborted, Err: vio.ErrAborted}
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return wrapTransport("sendfile", dst.Name(), werr)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return wrapTransport("sendfile", src.Name(), rerr)
		}
	}
}

func discard(r io.Reader, n int64) error {
	_, err := io.CopyN(io.Discard, r, n)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func parentURL(uri string) string {
	trimmed := strings.TrimRight(uri, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx <= len("https:/") {
		return ""
	}
	return trimmed[:idx]
}

func fileIDFromHeaders(h http.Header) string {
	if id := h.Get(hdrFileID); id != "" {
		return id
	}
	return strings.Trim(h.Get("ETag"), `"`)
}

// wrapStatus maps an HTTP status onto the errno taxonomy the propagator
// classifies on.
func wrapStatus(op, uri string, code int, status vio.StatusCode) error {
	var errno syscall.Errno
	switch code {
	case http.StatusNotFound, http.StatusGone:
		errno = syscall.ENOENT
	case http.StatusConflict:
		// DELETE on a non-empty collection
		errno = syscall.ENOTEMPTY
	case http.StatusPreconditionFailed:
		errno = syscall.EEXIST
	case http.StatusInsufficientStorage:
		errno = syscall.ENOSPC
	case http.StatusUnauthorized, http.StatusForbidden:
		errno = syscall.EACCES
	case http.StatusRequestEntityTooLarge:
		errno = syscall.EFBIG
	default:
		if code >= 500 {
			// server-side failure; not resumable
			errno = syscall.EIO
		} else {
			errno = syscall.EINVAL
		}
	}
	return &vio.Error{
		Op:     op,
		Path:   uri,
		Errno:  errno,
		Status: status,
		Err:    fmt.Errorf("http status %d", code),
	}
}

func wrapTransport(op, uri string, err error) error {
	if errors.Is(err, context.Canceled) {
		return &vio.Error{Op: op, Path: uri, Status: vio.StatusAborted, Err: vio.ErrAborted}
	}
	return &vio.Error{
		Op:     op,
		Path:   uri,
		Errno:  syscall.EIO,
		Status: vio.StatusPropagateError,
		Err:    err,
	}
}
