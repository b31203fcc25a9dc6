package vfs

import (
	"context"
	"errors"

	"github.com/fruitsalade/cmisfs/pkg/models"
)

// Error kinds returned by the Dispatcher. Repository failures that match
// none of them are transport errors.
var (
	ErrNotFound    = models.ErrNotFound
	ErrExists      = models.ErrExists
	ErrUnsupported = errors.New("operation not supported")
	ErrNoData      = errors.New("no such attribute")
	ErrNotDir      = errors.New("not a directory")
	ErrIsDir       = errors.New("is a directory")
	ErrNotEmpty    = errors.New("directory not empty")
	ErrInvalid     = errors.New("invalid argument")
)

// Code classifies an error for translation into an OS error number.
type Code int

const (
	CodeOK Code = iota
	CodeNotFound
	CodeUnsupported
	CodeNoData
	CodeExists
	CodeNotDir
	CodeIsDir
	CodeNotEmpty
	CodePermission
	CodeInvalid
	CodeInterrupted
	CodeIO
)

// Classify maps err to its Code. Anything unrecognised is CodeIO.
func Classify(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnsupported), errors.Is(err, models.ErrNotSupported):
		return CodeUnsupported
	case errors.Is(err, ErrNoData):
		return CodeNoData
	case errors.Is(err, ErrExists):
		return CodeExists
	case errors.Is(err, ErrNotDir):
		return CodeNotDir
	case errors.Is(err, ErrIsDir):
		return CodeIsDir
	case errors.Is(err, ErrNotEmpty):
		return CodeNotEmpty
	case errors.Is(err, models.ErrPermission), errors.Is(err, models.ErrConstraint):
		return CodePermission
	case errors.Is(err, ErrInvalid):
		return CodeInvalid
	case errors.Is(err, context.Canceled):
		return CodeInterrupted
	}
	return CodeIO
}
