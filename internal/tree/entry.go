package tree

import (
	"io/fs"

	"github.com/cespare/xxhash/v2"
)

// Type classifies an entry in a reconciliation tree.
type Type uint8

const (
	TypeFile Type = iota
	TypeDir
	TypeSymlink
)

func (t Type) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	case TypeSymlink:
		return "symlink"
	}
	return "unknown"
}

// Instruction tags an entry with the intended change (input, produced by
// reconciliation) or the applied result (writeback, produced by propagation).
// The two sets are disjoint constant ranges; IsInput/IsWriteback keep them
// apart so a writeback value is never dispatched as work.
type Instruction uint8

const (
	// InstrNone is a writeback value (nothing to apply / nothing applied)
	InstrNone Instruction = iota

	// input instructions
	InstrNew
	InstrSync
	InstrRemove
	InstrRename
	InstrConflict

	// writeback instructions
	InstrUpdated
	InstrDeleted
	InstrIgnore
	InstrError
)

func (i Instruction) IsInput() bool {
	return i >= InstrNew && i <= InstrConflict
}

func (i Instruction) IsWriteback() bool {
	return i == InstrNone || (i >= InstrUpdated && i <= InstrError)
}

func (i Instruction) String() string {
	switch i {
	case InstrNone:
		return "NONE"
	case InstrNew:
		return "NEW"
	case InstrSync:
		return "SYNC"
	case InstrRemove:
		return "REMOVE"
	case InstrRename:
		return "RENAME"
	case InstrConflict:
		return "CONFLICT"
	case InstrUpdated:
		return "UPDATED"
	case InstrDeleted:
		return "DELETED"
	case InstrIgnore:
		return "IGNORE"
	case InstrError:
		return "ERROR"
	}
	return "INVALID"
}

// PathHash is the 64-bit key under which entries are stored in a tree.
func PathHash(path string) uint64 {
	return xxhash.Sum64String(path)
}

// Entry describes one intended change at a path, per replica tree. Propagation
// mutates Instruction, Fingerprint and ErrorString in place; the statedb merger
// consumes them after the sync.
type Entry struct {
	Path        string
	PHash       uint64
	Type        Type
	Instruction Instruction
	ModTime     int64
	Size        int64
	Mode        fs.FileMode
	UID         uint32
	GID         uint32
	Inode       uint64
	Fingerprint string
	DestPath    string // set only for rename
	ErrorString string
}

// NewEntry creates an entry with its path hash precomputed.
func NewEntry(path string, typ Type) *Entry {
	return &Entry{
		Path:  path,
		PHash: PathHash(path),
		Type:  typ,
	}
}

// SetError marks the entry as failed. The first error wins; later errors on
// the same entry do not override it.
func (e *Entry) SetError(msg string) {
	e.Instruction = InstrError
	if e.ErrorString != "" || msg == "" {
		return
	}
	e.ErrorString = msg
}
