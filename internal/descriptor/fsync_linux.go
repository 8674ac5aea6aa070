//go:build linux

package descriptor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func syncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open descriptor dir: %w", err)
	}
	defer unix.Close(fd)
	if err := unix.Fsync(fd); err != nil {
		return fmt.Errorf("sync descriptor dir: %w", err)
	}
	return nil
}
