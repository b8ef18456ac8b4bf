//go:build linux

package localfs

import "golang.org/x/sys/unix"

// O_NOATIME can only be set by the file owner or root; the caller decides.
const oNoATime = unix.O_NOATIME
