//go:build !linux && !darwin

package pathmirror

import "errors"

func mkfifoForTest(path string) error {
	return errors.New("fifos are not supported on this platform")
}
