//go:build !linux

package serializer

import (
	"log/slog"
	"os"
)

func openFile(path string, direct bool, log *slog.Logger) (*os.File, error) {
	if direct {
		log.Debug("direct I/O unavailable on this platform", "path", path)
	}
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
}
