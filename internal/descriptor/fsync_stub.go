//go:build !linux

package descriptor

func syncDir(string) error {
	return nil
}
