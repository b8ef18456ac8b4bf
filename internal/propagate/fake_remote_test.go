package propagate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"syscall"

	"github.com/openmined/bisync/internal/vio"
)

// fakeRemote is an in-memory remote replica with tunable capabilities and
// error injection, standing in for the HTTP backend in engine tests.
type fakeRemote struct {
	mu   sync.Mutex
	base string
	caps vio.Capabilities

	files map[string]*rfile
	dirs  map[string]bool
	idSeq int

	// error injection
	sendfileErr   error  // returned by the next Sendfile, then cleared
	failAtChunk   int64  // chunks acknowledged before sendfileErr fires
	partialOnFail []byte // bytes committed to dst before sendfileErr fires
	openErr       error  // returned by every create-open when set
	mkdirsNoop    bool   // Mkdirs pretends to succeed without creating

	// call recording
	hbfCalls  []vio.HbfInfo
	sendfiles int
	puts      int
	gets      int
	unlinked  []string
}

type rfile struct {
	data    []byte
	modtime int64
	id      string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		base: "https://server/dav",
		caps: vio.Capabilities{
			AtomicOverwrite: true,
			UseSendfile:     true,
			PostCopyStat:    true,
		},
		files: map[string]*rfile{},
		dirs:  map[string]bool{"": true},
	}
}

func (f *fakeRemote) URI() string {
	return f.base
}

func (f *fakeRemote) Caps() vio.Capabilities {
	return f.caps
}

func (f *fakeRemote) rel(uri string) string {
	return strings.TrimPrefix(strings.TrimPrefix(uri, f.base), "/")
}

func (f *fakeRemote) nextID() string {
	f.idSeq++
	return fmt.Sprintf("fid-%d", f.idSeq)
}

func (f *fakeRemote) setFile(rel, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[rel] = &rfile{data: []byte(data), id: f.nextID()}
	f.ensureParents(rel)
}

func (f *fakeRemote) ensureParents(rel string) {
	for {
		idx := strings.LastIndex(rel, "/")
		if idx < 0 {
			return
		}
		rel = rel[:idx]
		f.dirs[rel] = true
	}
}

func (f *fakeRemote) content(rel string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rf, ok := f.files[rel]
	if !ok {
		return "", false
	}
	return string(rf.data), true
}

func verr(op, path string, errno syscall.Errno) error {
	return &vio.Error{Op: op, Path: path, Errno: errno, Status: vio.StatusPropagateError}
}

// remoteReadHandle streams a snapshot of a remote file.
type remoteReadHandle struct {
	uri string
	r   *bytes.Reader
}

func (h *remoteReadHandle) Read(p []byte) (int, error)  { return h.r.Read(p) }
func (h *remoteReadHandle) Write([]byte) (int, error)   { return 0, vio.ErrNotSupported }
func (h *remoteReadHandle) Close() error                { return nil }
func (h *remoteReadHandle) Name() string                { return h.uri }

// remoteWriteHandle buffers writes and commits on close.
type remoteWriteHandle struct {
	f   *fakeRemote
	uri string
	rel string
	buf []byte
}

func (h *remoteWriteHandle) Read([]byte) (int, error) { return 0, vio.ErrNotSupported }

func (h *remoteWriteHandle) Write(p []byte) (int, error) {
	h.buf = append(h.buf, p...)
	return len(p), nil
}

func (h *remoteWriteHandle) Close() error {
	h.f.commit(h.rel, h.buf)
	return nil
}

func (h *remoteWriteHandle) Name() string { return h.uri }

func (f *fakeRemote) commit(rel string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rf, ok := f.files[rel]
	if !ok {
		rf = &rfile{}
		f.files[rel] = rf
	}
	rf.data = append([]byte(nil), data...)
	rf.id = f.nextID()
}

func (f *fakeRemote) Open(_ context.Context, uri string, flags vio.OpenFlags, _ fs.FileMode) (vio.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rel := f.rel(uri)

	if flags&vio.OpenWrite == 0 {
		rf, ok := f.files[rel]
		if !ok {
			return nil, verr("open", uri, syscall.ENOENT)
		}
		return &remoteReadHandle{uri: uri, r: bytes.NewReader(rf.data)}, nil
	}

	if f.openErr != nil {
		return nil, f.openErr
	}

	if flags&vio.OpenAppend != 0 {
		rf, ok := f.files[rel]
		if !ok {
			return nil, verr("open", uri, syscall.ENOENT)
		}
		return &remoteWriteHandle{f: f, uri: uri, rel: rel, buf: append([]byte(nil), rf.data...)}, nil
	}

	if flags&vio.OpenExcl != 0 {
		if _, exists := f.files[rel]; exists {
			return nil, verr("open", uri, syscall.EEXIST)
		}
	}
	if parent := parentRel(rel); parent != "" && !f.dirs[parent] {
		return nil, verr("open", uri, syscall.ENOENT)
	}
	return &remoteWriteHandle{f: f, uri: uri, rel: rel}, nil
}

func (f *fakeRemote) Stat(_ context.Context, uri string) (*vio.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rel := f.rel(uri)

	if rf, ok := f.files[rel]; ok {
		return &vio.FileInfo{
			Size:        int64(len(rf.data)),
			ModTime:     rf.modtime,
			Fingerprint: rf.id,
		}, nil
	}
	if f.dirs[rel] {
		return &vio.FileInfo{IsDir: true}, nil
	}
	return nil, verr("stat", uri, syscall.ENOENT)
}

func (f *fakeRemote) Mkdirs(_ context.Context, uri string, _ fs.FileMode) error {
	if f.mkdirsNoop {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rel := f.rel(uri)
	f.dirs[rel] = true
	f.ensureParents(rel)
	return nil
}

func (f *fakeRemote) Rename(_ context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	srel, drel := f.rel(src), f.rel(dst)

	if rf, ok := f.files[srel]; ok {
		if parent := parentRel(drel); parent != "" && !f.dirs[parent] {
			return verr("rename", dst, syscall.ENOENT)
		}
		delete(f.files, srel)
		f.files[drel] = rf
		return nil
	}
	if f.dirs[srel] {
		delete(f.dirs, srel)
		f.dirs[drel] = true
		for p, rf := range f.files {
			if strings.HasPrefix(p, srel+"/") {
				delete(f.files, p)
				f.files[drel+p[len(srel):]] = rf
			}
		}
		for d := range f.dirs {
			if strings.HasPrefix(d, srel+"/") {
				delete(f.dirs, d)
				f.dirs[drel+d[len(srel):]] = true
			}
		}
		return nil
	}
	return verr("rename", src, syscall.ENOENT)
}

func (f *fakeRemote) Unlink(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rel := f.rel(uri)
	if _, ok := f.files[rel]; !ok {
		return verr("unlink", uri, syscall.ENOENT)
	}
	delete(f.files, rel)
	f.unlinked = append(f.unlinked, rel)
	return nil
}

func (f *fakeRemote) Rmdir(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rel := f.rel(uri)
	if !f.dirs[rel] {
		return verr("rmdir", uri, syscall.ENOENT)
	}
	for p := range f.files {
		if strings.HasPrefix(p, rel+"/") {
			return verr("rmdir", uri, syscall.ENOTEMPTY)
		}
	}
	for d := range f.dirs {
		if strings.HasPrefix(d, rel+"/") {
			return verr("rmdir", uri, syscall.ENOTEMPTY)
		}
	}
	delete(f.dirs, rel)
	return nil
}

func (f *fakeRemote) Chmod(context.Context, string, fs.FileMode) error {
	return nil
}

func (f *fakeRemote) Chown(context.Context, string, uint32, uint32) error {
	return nil
}

func (f *fakeRemote) Utimes(_ context.Context, uri string, modtime int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rel := f.rel(uri)
	rf, ok := f.files[rel]
	if !ok {
		if f.dirs[rel] {
			return nil
		}
		return verr("utimes", uri, syscall.ENOENT)
	}
	rf.modtime = modtime
	// the server assigns a fresh id whenever metadata changes
	rf.id = f.nextID()
	return nil
}

func (f *fakeRemote) FileID(_ context.Context, uri string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rf, ok := f.files[f.rel(uri)]
	if !ok {
		return "", verr("fileid", uri, syscall.ENOENT)
	}
	return rf.id, nil
}

func (f *fakeRemote) Put(_ context.Context, src, dst vio.Handle, _ int64) error {
	f.mu.Lock()
	f.puts++
	f.mu.Unlock()
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	_, err = dst.Write(data)
	return err
}

func (f *fakeRemote) Get(_ context.Context, dst, src vio.Handle, _ int64) error {
	f.mu.Lock()
	f.gets++
	f.mu.Unlock()
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	_, err = dst.Write(data)
	return err
}

func (f *fakeRemote) Sendfile(_ context.Context, src, dst vio.Handle, hbf *vio.HbfInfo) error {
	f.mu.Lock()
	f.sendfiles++
	if hbf != nil {
		f.hbfCalls = append(f.hbfCalls, *hbf)
	}
	injected := f.sendfileErr
	f.sendfileErr = nil
	failAt := f.failAtChunk
	partial := f.partialOnFail
	f.mu.Unlock()

	if injected != nil {
		if hbf != nil {
			if hbf.TransferID == 0 {
				hbf.TransferID = 100
			}
			hbf.StartChunk += failAt
		}
		if len(partial) > 0 {
			if _, err := dst.Write(partial); err == nil {
				dst.Close()
			}
		}
		return injected
	}

	if hbf != nil && hbf.TransferID == 0 {
		hbf.TransferID = 100
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	if wh, ok := dst.(*remoteWriteHandle); ok {
		// a resumed transfer replaces whatever partial content was there
		wh.buf = append([]byte(nil), data...)
		wh.f.commit(wh.rel, wh.buf)
	} else if _, err := dst.Write(data); err != nil {
		return err
	}
	if hbf != nil {
		hbf.StartChunk += int64(len(data)/maxXferBufSize) + 1
	}
	return nil
}

func parentRel(rel string) string {
	idx := strings.LastIndex(rel, "/")
	if idx < 0 {
		return ""
	}
	return rel[:idx]
}
