// Package plan reads a reconciliation plan from disk. The plan is the
// hand-off format between the reconciler and the propagation engine: one entry
// list per replica, already annotated with instructions.
package plan

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"

	"github.com/openmined/bisync/internal/tree"
)

type Entry struct {
	Path        string `json:"path"`
	Type        string `json:"type"`
	Instruction string `json:"instruction"`
	Size        int64  `json:"size"`
	ModTime     int64  `json:"modtime"`
	Mode        uint32 `json:"mode"`
	UID         uint32 `json:"uid"`
	GID         uint32 `json:"gid"`
	Fingerprint string `json:"fingerprint,omitempty"`
	DestPath    string `json:"destpath,omitempty"`
}

type Plan struct {
	Local                []Entry  `json:"local"`
	Remote               []Entry  `json:"remote"`
	IgnoredCleanupLocal  []string `json:"ignoredCleanupLocal,omitempty"`
	IgnoredCleanupRemote []string `json:"ignoredCleanupRemote,omitempty"`
}

func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &p, nil
}

// Trees converts both entry lists into the propagator's tree form.
func (p *Plan) Trees() (local, remote *tree.Tree, err error) {
	local, err = buildTree(p.Local)
	if err != nil {
		return nil, nil, fmt.Errorf("local entries: %w", err)
	}
	remote, err = buildTree(p.Remote)
	if err != nil {
		return nil, nil, fmt.Errorf("remote entries: %w", err)
	}
	return local, remote, nil
}

func buildTree(entries []Entry) (*tree.Tree, error) {
	t := tree.New()
	for _, pe := range entries {
		typ, err := parseType(pe.Type)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", pe.Path, err)
		}
		instr, err := parseInstruction(pe.Instruction)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", pe.Path, err)
		}

		e := tree.NewEntry(pe.Path, typ)
		e.Instruction = instr
		e.Size = pe.Size
		e.ModTime = pe.ModTime
		e.Mode = fs.FileMode(pe.Mode)
		e.UID = pe.UID
		e.GID = pe.GID
		e.Fingerprint = pe.Fingerprint
		e.DestPath = pe.DestPath
		t.Insert(e)
	}
	return t, nil
}

func parseType(s string) (tree.Type, error) {
	switch s {
	case "file":
		return tree.TypeFile, nil
	case "dir", "directory":
		return tree.TypeDir, nil
	case "symlink":
		return tree.TypeSymlink, nil
	}
	return 0, fmt.Errorf("unknown entry type %q", s)
}

func parseInstruction(s string) (tree.Instruction, error) {
	switch s {
	case "", "none":
		return tree.InstrNone, nil
	case "new":
		return tree.InstrNew, nil
	case "sync":
		return tree.InstrSync, nil
	case "remove":
		return tree.InstrRemove, nil
	case "rename":
		return tree.InstrRename, nil
	case "conflict":
		return tree.InstrConflict, nil
	}
	return 0, fmt.Errorf("unknown instruction %q", s)
}
