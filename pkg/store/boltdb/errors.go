package boltdb

import (
	"code.activault.org/server/internal/utils"
	"code.activault.org/server/pkg/store"
)

// newError returns a utils.RaisedErr{} flagged with store.Error.
func newError(msg string, args ...any) error {
	return utils.NewError(1, store.Error, msg, args...)
}

// wrapError returns a utils.RaisedErr{} flagged with store.Error.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, store.Error, msg, args...)
}
