// Package propagate executes a reconciliation plan against the two replicas.
// It walks the per-replica entry trees, files before directories, applies each
// entry's instruction through the VIO gateway and writes the outcome back onto
// the entry for the statedb merger. Failures on one entry never stop the run
// unless they are fatal (out of memory, disk full at close, user abort).
package propagate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/openmined/bisync/internal/progress"
	"github.com/openmined/bisync/internal/tree"
	"github.com/openmined/bisync/internal/vio"
)

const (
	// defaultFileMode / defaultDirMode are what newly created destination
	// files get before an explicit chmod.
	defaultFileMode = 0o644
	defaultDirMode  = 0o755

	// blacklistThreshold is the persistent error count after which an
	// entry is skipped instead of retried.
	blacklistThreshold = 3
)

// ReplicaConfig is the immutable per-replica half of a sync run.
type ReplicaConfig struct {
	// URI is the replica root (a directory path or a server URL), without
	// a trailing slash.
	URI string
	Ops vio.Ops
	// Tree holds this replica's reconciliation entries.
	Tree *tree.Tree
	// IgnoredCleanup lists relative paths of ignored leftovers that may be
	// unlinked to let a deferred rmdir succeed.
	IgnoredCleanup []string
}

// Config assembles one propagation run.
type Config struct {
	Local  ReplicaConfig
	Remote ReplicaConfig
	Store  *progress.Store
	Notify NotifyFunc

	// UID and EUID of the running process; they gate O_NOATIME and chown.
	UID  uint32
	EUID uint32
}

// Propagator drives one run. It is single-threaded: one entry at a time, with
// cancellation observed at entry boundaries and inside transfers via the
// transport.
type Propagator struct {
	local  ReplicaConfig
	remote ReplicaConfig
	gw     *vio.Gateway
	store  *progress.Store
	notify NotifyFunc
	uid    uint32
	euid   uint32

	abort    atomic.Bool
	renames  *renameTable
	overall  overallProgress
	deferred map[vio.Replica][]*tree.Entry

	statusCode  vio.StatusCode
	errorString string
}

func New(cfg *Config) *Propagator {
	return &Propagator{
		local:    cfg.Local,
		remote:   cfg.Remote,
		gw:       vio.NewGateway(cfg.Local.Ops, cfg.Remote.Ops),
		store:    cfg.Store,
		notify:   cfg.Notify,
		uid:      cfg.UID,
		euid:     cfg.EUID,
		renames:  newRenameTable(),
		deferred: make(map[vio.Replica][]*tree.Entry),
	}
}

// Abort requests cancellation. The current entry finishes (or is unwound by
// the transport's own abort) and the driver stops at the next boundary.
func (p *Propagator) Abort() {
	p.abort.Store(true)
}

// Status returns the fatal status code of the run, StatusOK otherwise.
func (p *Propagator) Status() vio.StatusCode {
	return p.statusCode
}

// ErrorString returns the fatal error detail, empty otherwise.
func (p *Propagator) ErrorString() string {
	return p.errorString
}

func (p *Propagator) replica(r vio.Replica) *ReplicaConfig {
	if r == vio.Local {
		return &p.local
	}
	return &p.remote
}

// ops selects the backend for one call through the gateway; the replica is
// always a parameter, never driver state.
func (p *Propagator) ops(r vio.Replica) vio.Ops {
	return p.gw.On(r)
}

// moduleCaps are the remote backend's capabilities; they drive strategy
// selection regardless of transfer direction.
func (p *Propagator) moduleCaps() vio.Capabilities {
	return p.gw.On(vio.Remote).Caps()
}

// uri builds the replica URI for a tree path. Remote paths are rewritten
// through the rename table so entries under a directory moved earlier in this
// sync resolve against the new location.
func (p *Propagator) uri(r vio.Replica, path string) string {
	if r == vio.Remote {
		path = p.renames.adjust(path)
	}
	return p.replica(r).URI + "/" + path
}

func (p *Propagator) setFatal(code vio.StatusCode, msg string) {
	p.statusCode = code
	if p.errorString == "" {
		p.errorString = msg
	}
}

// recordError applies the soft-failure bookkeeping for one entry: writeback
// error, ancestors errored, progress record created or bumped so the blacklist
// counter survives the run.
func (p *Propagator) recordError(st *tree.Entry, rec *progress.Record, msg string) {
	st.SetError(msg)
	p.reportParentError(st)

	if rec == nil {
		rec = &progress.Record{
			PHash:       st.PHash,
			ModTime:     st.ModTime,
			Fingerprint: st.Fingerprint,
		}
	}
	rec.ErrorCount++
	rec.ErrorString = st.ErrorString
	if err := p.store.Put(rec); err != nil {
		slog.Error("persist progress record", "path", st.Path, "error", err)
	}
}

// InitProgress counts the transfers both walks will perform and announces the
// sync sequence. Only file entries with a transfer instruction count;
// directories never do.
func (p *Propagator) InitProgress() {
	count := func(t *tree.Tree) {
		t.Walk(func(st *tree.Entry) error {
			if st.Type != tree.TypeFile {
				return nil
			}
			switch st.Instruction {
			case tree.InstrNew, tree.InstrSync, tree.InstrConflict:
				p.overall.fileCount++
				p.overall.byteSum += st.Size
			}
			return nil
		})
	}
	count(p.remote.Tree)
	count(p.local.Tree)

	p.notifyProgress(NotifyStartSyncSequence, "", 0)
}

// FinalizeProgress announces the end of the sync sequence.
func (p *Propagator) FinalizeProgress() {
	p.notifyProgress(NotifyFinishedSyncSequence, "", 0)
}

// Propagate applies the entries of one replica tree: renames first (they feed
// the adjust table), then the files pass (writing files changes the parent's
// mtime, so directory metadata must come after), then the directories pass,
// then the deferred non-empty-directory cleanup. Returns a non-nil error only
// on fatal termination.
func (p *Propagator) Propagate(ctx context.Context, cur vio.Replica) error {
	t := p.replica(cur).Tree

	// Renames go first so the adjust table is populated before any entry
	// under a moved directory builds its URIs.
	if err := t.Walk(func(st *tree.Entry) error {
		if st.Instruction != tree.InstrRename || st.Type == tree.TypeSymlink {
			return nil
		}
		if err := p.checkAbort(ctx); err != nil {
			return err
		}
		return p.renameEntry(ctx, cur, st)
	}); err != nil {
		return err
	}

	if err := t.Walk(func(st *tree.Entry) error {
		if err := p.checkAbort(ctx); err != nil {
			return err
		}
		return p.fileVisitor(ctx, cur, st)
	}); err != nil {
		return err
	}

	if err := t.Walk(func(st *tree.Entry) error {
		if err := p.checkAbort(ctx); err != nil {
			return err
		}
		return p.dirVisitor(ctx, cur, st)
	}); err != nil {
		return err
	}

	return p.cleanup(ctx, cur)
}

func (p *Propagator) checkAbort(ctx context.Context) error {
	if p.abort.Load() || ctx.Err() != nil {
		slog.Debug("propagation aborted")
		p.setFatal(vio.StatusAborted, "sync aborted by user")
		return vio.ErrAborted
	}
	return nil
}

// cleanup retries the rmdirs deferred on ENOTEMPTY in descending path order,
// so every directory comes after its own subdirectories, after unlinking
// ignored leftovers under each directory.
func (p *Propagator) cleanup(ctx context.Context, cur vio.Replica) error {
	list := p.deferred[cur]
	if len(list) == 0 {
		return nil
	}
	p.deferred[cur] = nil

	sort.Slice(list, func(i, j int) bool {
		return list[i].Path > list[j].Path
	})

	rep := p.replica(cur)
	for _, st := range list {
		for _, fn := range rep.IgnoredCleanup {
			if !strings.HasPrefix(fn, st.Path+"/") {
				continue
			}
			furi := rep.URI + "/" + fn
			slog.Debug("removing ignored file", "uri", furi)
			if err := p.ops(cur).Unlink(ctx, furi); err != nil {
				p.setFatal(vio.Classify(err, vio.StatusPropagateError), err.Error())
				return fmt.Errorf("cleanup unlink %s: %w", furi, err)
			}
		}

		uri := rep.URI + "/" + st.Path
		if err := p.ops(cur).Rmdir(ctx, uri); err != nil {
			slog.Error("deferred rmdir", "uri", uri, "error", err)
			p.removeError(ctx, cur, st, uri)
		} else {
			slog.Debug("cleanup dir", "uri", uri)
			st.Instruction = tree.InstrDeleted
		}
	}
	return nil
}
