package propagate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"syscall"

	"github.com/openmined/bisync/internal/progress"
	"github.com/openmined/bisync/internal/tree"
	"github.com/openmined/bisync/internal/utils"
	"github.com/openmined/bisync/internal/vio"
)

const (
	maxXferBufSize  = 1 << 20
	maxTmpCollision = 10
)

// pushToTmpFirst decides the atomicity strategy: write to an adjacent temp
// name and rename, unless the destination is a remote replica that overwrites
// atomically on its own.
func (p *Propagator) pushToTmpFirst(cur vio.Replica) bool {
	if cur == vio.Remote {
		// destination is the local filesystem
		return true
	}
	return !p.moduleCaps().AtomicOverwrite
}

// pushFile transfers one file from the current replica to the other one.
// Returns a non-nil error only on fatal termination; per-entry failures are
// recorded on the entry and the progress journal.
func (p *Propagator) pushFile(ctx context.Context, cur vio.Replica, st *tree.Entry) error {
	srcOps := p.ops(cur)
	dstOps := p.ops(cur.Other())
	caps := p.moduleCaps()

	rec := p.getRecord(st)
	if p.blacklisted(st, rec) {
		return nil
	}

	var hbf vio.HbfInfo
	if rec != nil {
		slog.Debug("transfer continuation", "path", st.Path, "chunk", rec.Chunk, "transferId", rec.TransferID)
		hbf.StartChunk = rec.Chunk
		hbf.TransferID = rec.TransferID
	}

	auri := p.renames.adjust(st.Path)
	var suri, duri string
	notifyStart, notifyEnd := NotifyStartUpload, NotifyFinishedUpload
	preCopyStat := false
	switch cur {
	case vio.Local:
		suri = p.local.URI + "/" + auri
		duri = p.uri(vio.Remote, st.Path)
		preCopyStat = true
	case vio.Remote:
		suri = p.uri(vio.Remote, st.Path)
		duri = p.local.URI + "/" + auri
		notifyStart, notifyEnd = NotifyStartDownload, NotifyFinishedDownload
	}

	p.overall.currentFileNo++
	p.notifyProgress(notifyStart, duri, st.Size)

	// Skip the copy when the source changed since the update run; the next
	// sync will pick up the new state.
	if preCopyStat {
		vst, err := srcOps.Stat(ctx, suri)
		if err != nil {
			slog.Error("pre-copy stat", "uri", suri, "error", err)
			p.recordError(st, rec, err.Error())
			return nil
		}
		if vst.ModTime != st.ModTime || vst.Size != st.Size {
			slog.Debug("source changed since update run, skipping", "uri", suri)
			return nil
		}
	}

	flags := vio.OpenRead | vio.OpenNoFollow
	if st.UID == p.uid || p.euid == 0 {
		flags |= vio.OpenNoATime
	}
	sfp, err := srcOps.Open(ctx, suri, flags, 0)
	if err != nil {
		slog.Error("open source", "uri", suri, "error", err)
		return p.softOrFatal(st, rec, err)
	}

	// x tracks everything that must be released on each exit path.
	x := &xferState{
		p: p, ctx: ctx,
		st: st, rec: rec,
		sfp:     sfp,
		dstOps:  dstOps,
		pushTmp: p.pushToTmpFirst(cur),
		duri:    duri,
	}

	if x.pushTmp {
		if rec != nil && rec.TmpFile != "" {
			// try to resume the half-written temp file
			x.turi = rec.TmpFile
			dfp, err := dstOps.Open(ctx, x.turi, vio.OpenWrite|vio.OpenAppend|vio.OpenNoCTTY, 0)
			if err == nil {
				x.dfp = dfp
				x.resumedTmp = true
			}
		}
		if x.dfp == nil {
			turi, err := utils.TmpName(duri)
			if err != nil {
				p.setFatal(vio.StatusMemoryError, err.Error())
				x.failSoft(rec, err.Error())
				return err
			}
			x.turi = turi
		}
	} else {
		// the server replaces the target atomically; write to it directly
		x.turi = duri
		slog.Debug("atomic remote push enabled", "uri", duri)
	}

	if x.dfp == nil {
		if err := x.createDest(); err != nil {
			return err
		}
		if x.dfp == nil {
			// soft failure already recorded
			return nil
		}
	}

	transmissionDone := false

	if caps.PutSupport && cur == vio.Local {
		if err := p.ops(vio.Remote).Put(ctx, x.sfp, x.dfp, st.Size); err != nil {
			slog.Error("put", "uri", duri, "error", err)
			return x.finishError(err)
		}
		transmissionDone = true
	}
	if !transmissionDone && caps.GetSupport && cur == vio.Remote {
		if err := p.ops(vio.Remote).Get(ctx, x.dfp, x.sfp, st.Size); err != nil {
			slog.Error("get", "uri", duri, "error", err)
			return x.finishError(err)
		}
		transmissionDone = true
	}

	if !transmissionDone && (caps.UseSendfile || x.resumedTmp) {
		if cur == vio.Remote {
			// local destination: keep the partial invisible while it grows
			markHidden(x.turi, true)
		}

		err := p.ops(vio.Remote).Sendfile(ctx, x.sfp, x.dfp, &hbf)

		if cur == vio.Remote {
			markHidden(x.turi, false)
		}

		if err != nil {
			return x.sendfileError(err, &hbf)
		}
		transmissionDone = true
	}

	if !transmissionDone {
		if err := x.copyLoop(); err != nil {
			return x.finishError(err)
		}
	}

	// Close source; a failed close does not invalidate the copy.
	if err := x.sfp.Close(); err != nil {
		slog.Error("close source", "uri", suri, "error", err)
	}
	x.sfp = nil

	if err := x.dfp.Close(); err != nil {
		x.dfp = nil
		switch vio.Errno(err) {
		case syscall.ENOSPC, syscall.EDQUOT:
			// nothing else can be written anywhere; stop the run
			slog.Error("close destination", "uri", x.turi, "error", err)
			x.failSoft(rec, err.Error())
			p.setFatal(vio.Classify(err, vio.StatusPropagateError), err.Error())
			return err
		default:
			slog.Error("close destination", "uri", x.turi, "error", err)
		}
	}
	x.dfp = nil

	if caps.PostCopyStat {
		tstat, err := x.dstOps.Stat(ctx, x.turi)
		if err != nil {
			slog.Error("post-copy stat", "uri", x.turi, "error", err)
			return x.finishError(err)
		}
		if st.Size != tstat.Size {
			slog.Error("post-copy size mismatch", "uri", x.turi, "size", tstat.Size, "want", st.Size)
			x.failSoft(rec, "incorrect filesize after transfer")
			return nil
		}
		if tstat.Fingerprint != "" {
			st.Fingerprint = tstat.Fingerprint
		}
	}

	if x.pushTmp {
		if err := x.dstOps.Rename(ctx, x.turi, duri); err != nil {
			slog.Error("rename temp to destination", "uri", duri, "error", err)
			return x.finishError(err)
		}
	}

	if st.Mode.Perm() != defaultFileMode {
		if err := x.dstOps.Chmod(ctx, duri, st.Mode.Perm()); err != nil {
			slog.Error("chmod", "uri", duri, "error", err)
			return x.finishError(err)
		}
	}
	if p.euid == 0 {
		if err := x.dstOps.Chown(ctx, duri, st.UID, st.GID); err != nil {
			slog.Warn("chown", "uri", duri, "error", err)
		}
	}
	if err := x.dstOps.Utimes(ctx, duri, st.ModTime); err != nil {
		slog.Warn("utimes", "uri", duri, "error", err)
	}

	// On remote replicas the id changes again after utimes; re-fetch so the
	// database records the current one.
	if id, err := p.ops(vio.Remote).FileID(ctx, p.remote.URI+"/"+auri); err == nil && id != "" {
		st.Fingerprint = id
	}

	st.Instruction = tree.InstrUpdated
	p.overall.byteCurrent += st.Size
	p.notifyProgress(notifyEnd, duri, st.Size)

	if err := p.store.Delete(st.PHash); err != nil {
		slog.Warn("drop progress record", "path", st.Path, "error", err)
	}

	slog.Debug("pushed file", "uri", duri)
	return nil
}

// xferState holds the open handles and temp-file ownership of one transfer so
// every exit path can release them correctly.
type xferState struct {
	p   *Propagator
	ctx context.Context

	st  *tree.Entry
	rec *progress.Record

	sfp, dfp vio.Handle
	dstOps   vio.Ops

	pushTmp    bool
	resumedTmp bool
	turi       string
	duri       string
	keepTmp    bool
}

func (x *xferState) closeAll() {
	if x.sfp != nil {
		x.sfp.Close()
		x.sfp = nil
	}
	if x.dfp != nil {
		x.dfp.Close()
		x.dfp = nil
	}
}

// failSoft releases resources, removes the temp file unless a progress record
// took ownership of it, and records the per-entry failure.
func (x *xferState) failSoft(rec *progress.Record, msg string) {
	x.closeAll()
	if x.pushTmp && x.turi != "" && !x.keepTmp {
		x.dstOps.Unlink(x.ctx, x.turi)
	}
	x.p.recordError(x.st, rec, msg)
}

// finishError is the common failure tail: soft failures are absorbed, fatal
// ones terminate the run.
func (x *xferState) finishError(err error) error {
	x.failSoft(x.rec, err.Error())
	if vio.SeverityOf(err) == vio.SeverityFatal {
		x.p.setFatal(vio.Classify(err, vio.StatusPropagateError), err.Error())
		return err
	}
	return nil
}

// sendfileError applies the resume bookkeeping after a failed chunked
// transfer, then finishes like any other failure.
func (x *xferState) sendfileError(err error, hbf *vio.HbfInfo) error {
	slog.Error("sendfile", "uri", x.duri, "error", err, "errno", vio.Errno(err))

	if errors.Is(err, vio.ErrAborted) {
		x.closeAll()
		x.p.setFatal(vio.StatusAborted, "file transmission aborted by user")
		x.p.recordError(x.st, x.rec, "file transmission aborted by user")
		return err
	}

	if x.pushTmp {
		// Keep a nonzero partial for resumption, except on EIO: that is
		// the server-error mapping and the partial cannot be trusted.
		sb, serr := x.dstOps.Stat(x.ctx, x.turi)
		if serr == nil && sb.Size > 0 && vio.Errno(err) != syscall.EIO {
			slog.Debug("keeping temp file", "uri", x.turi)
			if x.rec == nil {
				x.rec = &progress.Record{
					PHash:       x.st.PHash,
					ModTime:     x.st.ModTime,
					Fingerprint: x.st.Fingerprint,
				}
			}
			x.rec.Chunk = 0
			x.rec.TmpFile = x.turi
			x.rec.ErrorCount <<= 1
			x.keepTmp = true
		}
	} else {
		slog.Debug("remembering chunk", "chunk", hbf.StartChunk, "transferId", hbf.TransferID)
		if x.rec == nil {
			x.rec = &progress.Record{
				PHash:       x.st.PHash,
				ModTime:     x.st.ModTime,
				Fingerprint: x.st.Fingerprint,
			}
		}
		x.rec.Chunk = hbf.StartChunk
		x.rec.TransferID = hbf.TransferID
		x.rec.TmpFile = ""
	}

	return x.finishError(err)
}

// createDest opens the destination with O_CREAT|O_EXCL, regenerating the temp
// name on collisions and creating missing parents, with loop guards on both.
func (x *xferState) createDest() error {
	count := 0
	prevTdir := ""
	for {
		dfp, err := x.dstOps.Open(x.ctx, x.turi,
			vio.OpenWrite|vio.OpenCreate|vio.OpenExcl|vio.OpenNoCTTY, defaultFileMode)
		if err == nil {
			x.dfp = dfp
			return nil
		}

		slog.Debug("create destination", "uri", x.turi, "errno", vio.Errno(err))

		switch vio.Errno(err) {
		case syscall.EEXIST:
			count++
			if count > maxTmpCollision || !x.pushTmp {
				slog.Error("create destination: temp collisions exhausted", "uri", x.duri)
				x.failSoft(x.rec, "could not create a unique temporary file")
				return nil
			}
			turi, terr := utils.TmpName(x.duri)
			if terr != nil {
				x.p.setFatal(vio.StatusMemoryError, terr.Error())
				x.failSoft(x.rec, terr.Error())
				return terr
			}
			x.turi = turi

		case syscall.ENOENT:
			tdir := parentPath(x.turi)
			if tdir == "" || tdir == prevTdir {
				slog.Warn("mkdir loop detected", "dir", tdir)
				x.failSoft(x.rec, "loop while creating parent directories")
				return nil
			}
			prevTdir = tdir
			if merr := x.dstOps.Mkdirs(x.ctx, tdir, defaultDirMode); merr != nil {
				slog.Warn("mkdirs", "dir", tdir, "error", merr)
			}

		case syscall.ENOMEM:
			slog.Error("create destination", "uri", x.turi, "error", err)
			x.failSoft(x.rec, err.Error())
			x.p.setFatal(vio.StatusMemoryError, err.Error())
			return err

		default:
			slog.Error("create destination", "uri", x.turi, "error", err)
			x.failSoft(x.rec, err.Error())
			return nil
		}
	}
}

// copyLoop is the fallback data path through user-space buffers. A short
// write is a failure.
func (x *xferState) copyLoop() error {
	buf := make([]byte, maxXferBufSize)
	for {
		bread, rerr := x.sfp.Read(buf)
		if bread > 0 {
			bwritten, werr := x.dfp.Write(buf[:bread])
			if werr != nil {
				return werr
			}
			if bwritten != bread {
				return io.ErrShortWrite
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}

func parentPath(uri string) string {
	idx := strings.LastIndex(uri, "/")
	if idx <= 0 {
		return ""
	}
	return uri[:idx]
}
