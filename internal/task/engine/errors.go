package engine

import "errors"

var (
	ErrNoHandler        = errors.New("no handler registered for task kind")
	ErrDuplicateHandler = errors.New("handler already registered for task kind")
)
