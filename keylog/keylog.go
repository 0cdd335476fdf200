// Package keylog exposes the SSLKEYLOGFILE debug hook so TLS sessions can be
// decrypted in Wireshark. Key logging is off unless the environment variable
// points at a writable file or a handler is configured with an explicit
// writer.
package keylog

import (
	"io"
	"os"
	"sync"
)

var (
	once   sync.Once
	writer io.Writer
)

// Writer returns the key log sink from SSLKEYLOGFILE, or nil when key
// logging is disabled. The file is opened once, on first use.
func Writer() io.Writer {
	once.Do(func() {
		path := os.Getenv("SSLKEYLOGFILE")
		if path == "" {
			return
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			// Debug feature, a broken path just disables it.
			return
		}
		writer = f
	})
	return writer
}

// FileWriter opens a key log file independent of the environment variable.
// The caller owns the returned writer.
func FileWriter(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
}
