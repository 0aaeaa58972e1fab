//go:build !linux && !darwin

package diskfree

func free(path string) (uint64, error) {
	return 0, ErrUnsupported
}
