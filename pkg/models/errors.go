package models

import "errors"

// Failure classes shared by the repository client and the filesystem layer.
var (
	ErrNotFound     = errors.New("object not found")
	ErrExists       = errors.New("object already exists")
	ErrConstraint   = errors.New("constraint violation")
	ErrNotSupported = errors.New("operation not supported by repository")
	ErrPermission   = errors.New("permission denied")
)
