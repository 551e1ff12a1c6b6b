package db

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by lookups that match no stored row
var ErrNotFound = errors.New("not found")

// StorageError wraps a disk or transaction failure. The failed write was rolled back.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: failed to %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// OrphanCommentError reports a comment whose issue is not persisted in the store
type OrphanCommentError struct {
	IssueID   string
	CommentID int64
}

func (e *OrphanCommentError) Error() string {
	return fmt.Sprintf("comment %d references issue %q which is not persisted", e.CommentID, e.IssueID)
}

// storageErr wraps err unless it already carries a storage or orphan classification
func storageErr(op string, err error) error {
	var se *StorageError
	var oe *OrphanCommentError
	if errors.As(err, &se) || errors.As(err, &oe) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
