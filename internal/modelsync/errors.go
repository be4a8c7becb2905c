package modelsync

import (
	"errors"
	"fmt"
)

// errNoDirectSource is returned by FetchDirect when neither a path nor a
// download_url hint was supplied.
var errNoDirectSource = errors.New("no path or download_url given")

type syncFailedError struct {
	reason string
}

func (e *syncFailedError) Error() string { return "sync failed: " + e.reason }

// IsSyncFailed reports whether err came from a failed sync() run.
func IsSyncFailed(err error) bool {
	_, ok := err.(*syncFailedError)
	return ok
}

type manifestFetchError struct {
	model string
	err   error
}

func (e *manifestFetchError) Error() string {
	return fmt.Sprintf("manifest fetch for %s: %v", e.model, e.err)
}

func (e *manifestFetchError) Unwrap() error { return e.err }
