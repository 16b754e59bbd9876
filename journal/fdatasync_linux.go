package journal

import (
	"os"

	"golang.org/x/sys/unix"
)

// fdatasync skips the metadata flush that f.Sync would do.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
