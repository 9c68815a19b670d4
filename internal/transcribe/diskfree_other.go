//go:build !unix

package transcribe

import "errors"

func freeDiskBytes(string) (int64, error) {
	return 0, errors.New("free disk check not supported on this platform")
}
