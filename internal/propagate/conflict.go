package propagate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/zeebo/blake3"

	"github.com/openmined/bisync/internal/tree"
	"github.com/openmined/bisync/internal/vio"
)

// conflictName derives the user-visible backup name for a conflicting file:
// the timestamp goes between basename and extension, in the same directory.
func conflictName(path string, now time.Time) string {
	dir := ""
	base := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		dir, base = path[:idx+1], path[idx+1:]
	}
	ext := ""
	if idx := strings.LastIndex(base, "."); idx > 0 {
		base, ext = base[:idx], base[idx:]
	}
	return fmt.Sprintf("%s%s_conflict-%s%s", dir, base, now.Format("20060102-150405"), ext)
}

// conflictFile resolves a content conflict: the destination-side loser is
// renamed to a conflict name, the source winner is pushed, and if the pushed
// copy turns out identical to the backup the backup is dropped again.
func (p *Propagator) conflictFile(ctx context.Context, cur vio.Replica, st *tree.Entry) error {
	backupURI, ok, err := p.backupFile(ctx, cur, st)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := p.pushFile(ctx, cur, st); err != nil {
		return err
	}
	if st.Instruction != tree.InstrUpdated {
		return nil
	}

	// Both files sit on the local disk only when downloading; compare them
	// and erase the backup when there was no real conflict.
	if cur == vio.Remote {
		localPath := p.local.URI + "/" + st.Path
		equal, cerr := filesEqual(localPath, backupURI)
		if cerr != nil {
			slog.Debug("conflict compare failed", "backup", backupURI, "error", cerr)
			return nil
		}
		if equal {
			if uerr := p.ops(vio.Local).Unlink(ctx, backupURI); uerr != nil {
				slog.Debug("remove of conflict backup failed", "uri", backupURI, "error", uerr)
			} else {
				slog.Debug("removed conflict backup, files are equal", "uri", backupURI)
			}
		}
	}
	return nil
}

// backupFile renames the existing destination-side file out of the way.
// Returns the backup URI and whether the push may proceed.
func (p *Propagator) backupFile(ctx context.Context, cur vio.Replica, st *tree.Entry) (string, bool, error) {
	if st.Instruction != tree.InstrConflict {
		slog.Error("backup on non-conflict entry", "path", st.Path, "instruction", st.Instruction)
		p.statusCode = vio.StatusUnsuccessful
		st.SetError("backup requested for a non-conflict entry")
		return "", false, nil
	}

	dstRep := p.replica(cur.Other())
	srcURI := dstRep.URI + "/" + st.Path
	backupURI := dstRep.URI + "/" + conflictName(st.Path, time.Now())

	slog.Debug("backing up conflict loser", "from", srcURI, "to", backupURI)

	if err := p.ops(cur.Other()).Rename(ctx, srcURI, backupURI); err != nil {
		slog.Error("conflict backup rename", "uri", backupURI, "error", err)
		st.SetError(err.Error())
		if vio.Errno(err) == syscall.ENOMEM {
			p.setFatal(vio.StatusMemoryError, err.Error())
			return "", false, err
		}
		return "", false, nil
	}

	st.Instruction = tree.InstrNone
	slog.Debug("backed up file", "uri", backupURI)
	return backupURI, true, nil
}

// filesEqual compares two local files byte-wise (by content hash).
func filesEqual(a, b string) (bool, error) {
	sa, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	if sa.Size() != sb.Size() {
		return false, nil
	}

	ha, err := hashFile(a)
	if err != nil {
		return false, err
	}
	hb, err := hashFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ha, hb), nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
