package filestorage

import (
	"os"

	"golang.org/x/sys/unix"
)

// Piece data is accessed at random offsets. Tell the kernel not to read ahead.
func disableReadAhead(f *os.File) error {
	return unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM)
}
