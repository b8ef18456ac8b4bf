//go:build windows

package localfs

import (
	"io/fs"

	"github.com/openmined/bisync/internal/vio"
)

func sysExtraFlags(vio.OpenFlags) int {
	return 0
}

func fillSys(*vio.FileInfo, fs.FileInfo) {
}
