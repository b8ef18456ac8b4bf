package propagate

import (
	"context"
	"log/slog"
	"syscall"

	"github.com/openmined/bisync/internal/progress"
	"github.com/openmined/bisync/internal/tree"
	"github.com/openmined/bisync/internal/vio"
)

// fileVisitor dispatches one file entry during the files pass. Directories are
// skipped here: writing files into a directory bumps its mtime, so directory
// metadata is applied in the later pass. A non-nil return is fatal and stops
// the walk.
func (p *Propagator) fileVisitor(ctx context.Context, cur vio.Replica, st *tree.Entry) error {
	if st.Type != tree.TypeFile {
		return nil
	}
	switch st.Instruction {
	case tree.InstrNew, tree.InstrSync:
		return p.pushFile(ctx, cur, st)
	case tree.InstrRemove:
		return p.removeFile(ctx, cur, st)
	case tree.InstrConflict:
		return p.conflictFile(ctx, cur, st)
	}
	return nil
}

// dirVisitor dispatches one directory entry during the directories pass.
func (p *Propagator) dirVisitor(ctx context.Context, cur vio.Replica, st *tree.Entry) error {
	if st.Type != tree.TypeDir {
		return nil
	}
	switch st.Instruction {
	case tree.InstrNew:
		return p.newDir(ctx, cur, st)
	case tree.InstrSync, tree.InstrConflict:
		// a directory conflict is just diverged attributes
		return p.syncDir(ctx, cur, st)
	case tree.InstrRemove:
		return p.removeDir(ctx, cur, st)
	}
	return nil
}

// blacklisted checks the persistent error counter for the entry. A
// blacklisted entry is failed softly with the stored error detail.
func (p *Propagator) blacklisted(st *tree.Entry, rec *progress.Record) bool {
	if rec == nil || rec.ErrorCount <= blacklistThreshold {
		return false
	}
	slog.Error("entry blacklisted", "path", st.Path, "errors", rec.ErrorCount, "lastError", rec.ErrorString)
	msg := rec.ErrorString
	if msg == "" {
		msg = "blacklisted after repeated errors"
	}
	p.recordError(st, rec, msg)
	return true
}

func (p *Propagator) getRecord(st *tree.Entry) *progress.Record {
	rec, err := p.store.Get(st.PHash, st.ModTime, st.Fingerprint)
	if err != nil {
		slog.Warn("read progress record", "path", st.Path, "error", err)
		return nil
	}
	return rec
}

// removeFile unlinks the destination path. A failed remove writes back none
// (not error) so the entry survives in the database and the delete is retried
// next sync; ancestors are still marked.
func (p *Propagator) removeFile(ctx context.Context, cur vio.Replica, st *tree.Entry) error {
	rec := p.getRecord(st)
	if p.blacklisted(st, rec) {
		st.Instruction = tree.InstrNone
		return nil
	}

	uri := p.uri(cur, st.Path)
	p.notifyProgress(NotifyStartDelete, uri, st.Size)

	if err := p.ops(cur).Unlink(ctx, uri); err != nil {
		slog.Error("unlink", "uri", uri, "error", err)
		p.recordError(st, rec, err.Error())
		st.Instruction = tree.InstrNone
		if vio.SeverityOf(err) == vio.SeverityFatal {
			p.setFatal(vio.Classify(err, vio.StatusPropagateError), err.Error())
			return err
		}
		return nil
	}

	st.Instruction = tree.InstrDeleted
	p.notifyProgress(NotifyEndDelete, uri, st.Size)
	if err := p.store.Delete(st.PHash); err != nil {
		slog.Warn("drop progress record", "path", st.Path, "error", err)
	}
	slog.Debug("removed file", "uri", uri)
	return nil
}

// newDir creates the destination directory and applies its metadata.
func (p *Propagator) newDir(ctx context.Context, cur vio.Replica, st *tree.Entry) error {
	rec := p.getRecord(st)
	if p.blacklisted(st, rec) {
		return nil
	}

	uri := p.uri(cur.Other(), st.Path)
	dst := p.ops(cur.Other())

	if err := dst.Mkdirs(ctx, uri, defaultDirMode); err != nil {
		slog.Error("mkdirs", "uri", uri, "error", err)
		return p.softOrFatal(st, rec, err)
	}

	if err := p.applyDirMeta(ctx, cur, st, uri); err != nil {
		return p.softOrFatal(st, rec, err)
	}

	st.Instruction = tree.InstrUpdated
	slog.Debug("created dir", "uri", uri)
	return nil
}

// syncDir applies diverged directory attributes without creating anything.
func (p *Propagator) syncDir(ctx context.Context, cur vio.Replica, st *tree.Entry) error {
	rec := p.getRecord(st)
	if p.blacklisted(st, rec) {
		return nil
	}

	uri := p.uri(cur.Other(), st.Path)
	if err := p.applyDirMeta(ctx, cur, st, uri); err != nil {
		return p.softOrFatal(st, rec, err)
	}

	st.Instruction = tree.InstrUpdated
	slog.Debug("synced dir", "uri", uri)
	return nil
}

// applyDirMeta sets mode (only when non-default), ownership (only as root)
// and mtime on the destination directory. Chown and utimes failures are
// tolerated the way the filesystems tolerate them.
func (p *Propagator) applyDirMeta(ctx context.Context, cur vio.Replica, st *tree.Entry, uri string) error {
	dst := p.ops(cur.Other())

	if st.Mode.Perm() != defaultDirMode {
		if err := dst.Chmod(ctx, uri, st.Mode.Perm()); err != nil {
			slog.Error("chmod", "uri", uri, "error", err)
			return err
		}
	}
	if p.euid == 0 {
		if err := dst.Chown(ctx, uri, st.UID, st.GID); err != nil {
			slog.Warn("chown", "uri", uri, "error", err)
		}
	}
	if err := dst.Utimes(ctx, uri, st.ModTime); err != nil {
		slog.Warn("utimes", "uri", uri, "error", err)
	}
	return nil
}

// removeDir removes the destination directory. ENOTEMPTY defers the entry to
// the post-pass cleanup, once the children's own entries have had their turn.
func (p *Propagator) removeDir(ctx context.Context, cur vio.Replica, st *tree.Entry) error {
	uri := p.uri(cur, st.Path)

	if err := p.ops(cur).Rmdir(ctx, uri); err != nil {
		switch vio.Errno(err) {
		case syscall.ENOMEM:
			slog.Error("rmdir", "uri", uri, "error", err)
			p.setFatal(vio.StatusMemoryError, err.Error())
			return err
		case syscall.ENOTEMPTY, syscall.EEXIST:
			// EEXIST is what some systems report for a non-empty dir
			p.deferred[cur] = append(p.deferred[cur], st)
			return nil
		default:
			slog.Error("rmdir", "uri", uri, "error", err)
			p.removeError(ctx, cur, st, uri)
			return nil
		}
	}

	st.Instruction = tree.InstrDeleted
	slog.Debug("removed dir", "uri", uri)
	return nil
}

// removeError prepares a failed remove for retry on the next sync: writeback
// none, and for local paths a refreshed inode+mtime with the fingerprint
// dropped so stale resume state is not persisted.
func (p *Propagator) removeError(ctx context.Context, cur vio.Replica, st *tree.Entry, uri string) {
	st.Instruction = tree.InstrNone

	if cur == vio.Local {
		if vst, err := p.ops(vio.Local).Stat(ctx, uri); err == nil {
			st.Inode = vst.Inode
			st.ModTime = vst.ModTime
		}
		st.Fingerprint = ""
	}
}

// softOrFatal records the failure; fatal classifications additionally stop
// the run.
func (p *Propagator) softOrFatal(st *tree.Entry, rec *progress.Record, err error) error {
	p.recordError(st, rec, err.Error())
	if vio.SeverityOf(err) == vio.SeverityFatal {
		p.setFatal(vio.Classify(err, vio.StatusPropagateError), err.Error())
		return err
	}
	return nil
}
