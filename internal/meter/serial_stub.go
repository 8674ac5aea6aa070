//go:build !linux

package meter

import (
	"fmt"
	"os"
	"runtime"
)

func configureSerial(_ *os.File, baud int) error {
	return fmt.Errorf("%w: %d on %s", ErrUnsupportedBaud, baud, runtime.GOOS)
}
