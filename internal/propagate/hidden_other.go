//go:build !windows

package propagate

// markHidden only matters on Windows, where a growing partial download would
// otherwise flash into Explorer views.
func markHidden(string, bool) {
}
