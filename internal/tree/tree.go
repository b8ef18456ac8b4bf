package tree

import (
	"github.com/google/btree"
)

// Tree is an ordered set of entries keyed by path hash. The propagator walks
// it in hash order, once for files and once for directories.
type Tree struct {
	bt *btree.BTreeG[*Entry]
}

func New() *Tree {
	return &Tree{
		bt: btree.NewG(8, func(a, b *Entry) bool {
			return a.PHash < b.PHash
		}),
	}
}

// Insert adds or replaces the entry for its path hash.
func (t *Tree) Insert(e *Entry) {
	t.bt.ReplaceOrInsert(e)
}

// Lookup returns the entry stored under the given hash, or nil.
func (t *Tree) Lookup(phash uint64) *Entry {
	e, ok := t.bt.Get(&Entry{PHash: phash})
	if !ok {
		return nil
	}
	return e
}

// LookupPath returns the entry for the given path, or nil.
func (t *Tree) LookupPath(path string) *Entry {
	return t.Lookup(PathHash(path))
}

// Walk visits entries in ascending hash order. Returning an error from fn
// stops the walk and propagates the error.
func (t *Tree) Walk(fn func(*Entry) error) error {
	var walkErr error
	t.bt.Ascend(func(e *Entry) bool {
		if err := fn(e); err != nil {
			walkErr = err
			return false
		}
		return true
	})
	return walkErr
}

func (t *Tree) Len() int {
	return t.bt.Len()
}
