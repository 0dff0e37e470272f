package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidCategory    = errors.New("unknown category")
	ErrInvalidQuery       = errors.New("query is required")
	ErrNoValidURLs        = errors.New("no valid urls")
	ErrTaskFinished       = errors.New("task already finished")
	ErrTooManyActiveTasks = errors.New("too many active acquisition tasks")
	ErrNoPlatforms        = errors.New("no platform answered the search")
)
