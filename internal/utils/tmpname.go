package utils

import "strings"

// TmpName derives a fresh temporary URI adjacent to the given destination:
// the basename gets a dot prefix and a random suffix, so the temp file lands
// in the same directory (and on the same device) as the final path.
func TmpName(uri string) (string, error) {
	suffix, err := RandBase34(8)
	if err != nil {
		return "", err
	}

	dir, base := "", uri
	if idx := strings.LastIndex(uri, "/"); idx >= 0 {
		dir, base = uri[:idx+1], uri[idx+1:]
	}
	return dir + "." + base + ".~" + suffix, nil
}
