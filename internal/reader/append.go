package reader

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// Append writes one record to the log at path, creating it if needed.
// The record gets a trailing newline and goes out in a single O_APPEND
// write, so concurrent producers never interleave within a line.
func Append(path string, record []byte) error {
	record = bytes.TrimRight(record, "\r\n")
	if bytes.IndexByte(record, '\n') >= 0 {
		return fmt.Errorf("append %s: record contains a newline", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	buf := make([]byte, 0, len(record)+1)
	buf = append(append(buf, record...), '\n')
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	return f.Close()
}
