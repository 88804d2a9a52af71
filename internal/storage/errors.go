package storage

import "fmt"

// TransferError reports a failed fetch, store, delete or list against the remote store.
type TransferError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func transferErr(op, bucket, key string, err error) error {
	return &TransferError{Op: op, Bucket: bucket, Key: key, Err: err}
}
