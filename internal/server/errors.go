package server

import (
	"errors"
	"fmt"
	"io/fs"
)

// BindError reports that the listener could not be opened. The server is not
// started and the caller decides whether to retry elsewhere.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// FileReadError is a per-request failure to read a static route's file.
// It is answered with a 500 and never stops the server.
type FileReadError struct {
	Path   string
	Target string
	Err    error
}

func (e *FileReadError) Error() string {
	return fmt.Sprintf("failed to read %s for %s: %v", e.Target, e.Path, e.Err)
}

func (e *FileReadError) Unwrap() error { return e.Err }

// Missing reports whether the target did not exist at request time.
func (e *FileReadError) Missing() bool {
	return errors.Is(e.Err, fs.ErrNotExist)
}
