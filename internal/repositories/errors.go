package repositories

import "errors"

var (
	// ErrNotFound is returned when no active row exists for the scope.
	ErrNotFound = errors.New("record not found")
	// ErrStore wraps persistence failures. Callers holding a freshly issued
	// token must retry the write before discarding the token.
	ErrStore = errors.New("credential store failure")
	// ErrStaleWrite is returned by conditional updates when the row changed
	// since it was read. The caller should re-read instead of overwriting.
	ErrStaleWrite = errors.New("credential row changed since read")
)
