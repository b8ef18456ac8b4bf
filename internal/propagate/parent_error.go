package propagate

import (
	"log/slog"
	"strings"

	"github.com/openmined/bisync/internal/tree"
)

const dirErrorString = "Error within the directory"

// reportParentError walks up the directory chain of a failed entry and marks
// every ancestor found in either tree as errored, so the sync result reflects
// the regression at directory granularity. The walk is over parent paths, a
// forest, so it always terminates.
func (p *Propagator) reportParentError(st *tree.Entry) {
	idx := strings.LastIndex(st.Path, "/")
	if idx <= 0 {
		return
	}
	dir := st.Path[:idx]

	e := p.local.Tree.Lookup(tree.PathHash(dir))
	if e == nil {
		e = p.remote.Tree.Lookup(tree.PathHash(dir))
	}
	if e == nil {
		return
	}

	slog.Debug("mark parent directory as error", "dir", dir)
	e.SetError(dirErrorString)
	p.reportParentError(e)
}
