package propagate

import (
	"context"
	"errors"
	"log/slog"
	"syscall"

	"github.com/openmined/bisync/internal/progress"
	"github.com/openmined/bisync/internal/tree"
	"github.com/openmined/bisync/internal/vio"
)

// renameEntry moves a path on the remote replica. Local renames never reach
// the propagator (the updater resolves them as remove+new) and fail hard if
// they do. On success the rename is recorded so later entries under a moved
// directory resolve against the new location.
func (p *Propagator) renameEntry(ctx context.Context, cur vio.Replica, st *tree.Entry) error {
	if cur == vio.Local {
		slog.Error("rename is only supported on the remote replica", "path", st.Path)
		p.setFatal(vio.StatusParamError, "rename on local replica")
		p.recordError(st, nil, "rename is only supported on the remote replica")
		return errors.New("rename on local replica")
	}
	if st.Path == "" || st.DestPath == "" {
		slog.Error("rename with empty source or destination", "path", st.Path)
		p.setFatal(vio.StatusParamError, "rename with empty source or destination path")
		p.recordError(st, nil, "rename with empty source or destination path")
		return errors.New("rename with empty path")
	}

	// The partner entry at the destination carries the post-rename state.
	other := p.local.Tree.LookupPath(st.DestPath)

	var rec *progress.Record
	if other != nil {
		rec = p.getRecord(other)
		if rec != nil && rec.ErrorCount > blacklistThreshold {
			slog.Error("rename blacklisted", "path", st.Path, "errors", rec.ErrorCount, "lastError", rec.ErrorString)
			msg := rec.ErrorString
			if msg == "" {
				msg = "blacklisted after repeated errors"
			}
			p.recordError(st, rec, msg)
			if other.ErrorString == "" {
				other.ErrorString = msg
			}
			return nil
		}
	}

	suri := p.uri(vio.Remote, st.Path)
	duri := p.uri(vio.Remote, st.DestPath)

	if suri != duri {
		slog.Debug("renaming", "from", suri, "to", duri)
		var tdir string
		for {
			err := p.ops(vio.Remote).Rename(ctx, suri, duri)
			if err == nil {
				break
			}
			if vio.Errno(err) == syscall.ENOENT && tdir == "" {
				tdir = parentPath(duri)
				if tdir != "" {
					if merr := p.ops(vio.Remote).Mkdirs(ctx, tdir, defaultDirMode); merr != nil {
						slog.Warn("mkdirs", "dir", tdir, "error", merr)
					}
					continue
				}
			}

			slog.Error("rename", "from", suri, "error", err)
			p.recordError(st, rec, err.Error())
			if other != nil {
				// let the next sync retry the move
				other.Instruction = tree.InstrUpdated
			}
			if vio.SeverityOf(err) == vio.SeverityFatal {
				p.setFatal(vio.Classify(err, vio.StatusPropagateError), err.Error())
				return err
			}
			return nil
		}

		if p.euid == 0 {
			if err := p.ops(vio.Remote).Chown(ctx, duri, st.UID, st.GID); err != nil {
				slog.Warn("chown", "uri", duri, "error", err)
			}
		}
		if err := p.ops(vio.Remote).Utimes(ctx, duri, st.ModTime); err != nil {
			slog.Warn("utimes", "uri", duri, "error", err)
		}
	}

	if other != nil {
		if st.Type == tree.TypeDir {
			// directory ids survive a move
			other.Fingerprint = st.Fingerprint
		} else if id, err := p.ops(vio.Remote).FileID(ctx, p.remote.URI+"/"+st.DestPath); err == nil && id != "" {
			other.Fingerprint = id
		}
	}

	st.Instruction = tree.InstrDeleted
	p.renames.record(st.Path, st.DestPath)
	slog.Debug("renamed", "from", st.Path, "to", st.DestPath, "fingerprint", st.Fingerprint)
	return nil
}
