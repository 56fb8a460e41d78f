//go:build linux

package serializer

import (
	"errors"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// openFile opens path read-write, creating it if absent. With direct set it
// asks for O_DIRECT|O_NOATIME and drops whichever flag the file system or
// the file ownership rejects.
func openFile(path string, direct bool, log *slog.Logger) (*os.File, error) {
	flags := os.O_RDWR | os.O_CREATE
	if !direct {
		return os.OpenFile(path, flags, 0600)
	}

	extra := unix.O_DIRECT | unix.O_NOATIME
	for {
		file, err := os.OpenFile(path, flags|extra, 0600)
		switch {
		case err == nil:
			return file, nil
		case errors.Is(err, unix.EPERM) && extra&unix.O_NOATIME != 0:
			log.Warn("O_NOATIME rejected, opening without it", "path", path)
			extra &^= unix.O_NOATIME
		case errors.Is(err, unix.EINVAL) && extra&unix.O_DIRECT != 0:
			log.Warn("O_DIRECT rejected, opening buffered", "path", path)
			extra &^= unix.O_DIRECT
		default:
			return nil, err
		}
	}
}
