package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrUploadUnverified means the backend did not confirm any bytes for the
	// uploaded archive, so the originals were kept.
	ErrUploadUnverified = errors.New("upload not verified: backend reported zero bytes written")

	// ErrRunInProgress means another run holds the lock for the same date.
	ErrRunInProgress = errors.New("another run for this date is in progress")
)

// DiscoveryError reports a failed listing of the source prefix.
type DiscoveryError struct {
	Bucket string
	Prefix string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover %s/%s: %v", e.Bucket, e.Prefix, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}
