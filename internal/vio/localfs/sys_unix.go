//go:build unix

package localfs

import (
	"io/fs"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/openmined/bisync/internal/vio"
)

func sysExtraFlags(flags vio.OpenFlags) int {
	var f int
	if flags&vio.OpenNoFollow != 0 {
		f |= unix.O_NOFOLLOW
	}
	if flags&vio.OpenNoATime != 0 {
		f |= oNoATime
	}
	if flags&vio.OpenNoCTTY != 0 {
		f |= unix.O_NOCTTY
	}
	return f
}

func fillSys(fi *vio.FileInfo, info fs.FileInfo) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		fi.Inode = st.Ino
		fi.UID = st.Uid
		fi.GID = st.Gid
	}
}
