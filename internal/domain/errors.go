package domain

import "errors"

// Store sentinels shared by every session store implementation.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("version conflict")
)
