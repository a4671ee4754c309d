package task

import "errors"

var (
	ErrNotFound    = errors.New("task not found")
	ErrStaleStatus = errors.New("task status changed concurrently")
)
