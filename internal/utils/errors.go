package utils

import (
	"fmt"
	"path"
	"runtime"
)

// RaisedErr is an error type that records where the error was raised.
// Most errors produced by the activault code base are RaisedErr instances.
//
// Each package may define a private flag error type and a set of **constant**
// errors of that type. Assigning such a flag to a RaisedErr allows callers to
// group related failures and match them with errors.Is.
type RaisedErr struct {
	// Flag allows grouping related errors.
	Flag error

	// Cause is the error that caused the RaisedErr{}.
	Cause error

	// Msg describes what happened.
	Msg string

	// Filename is the source file that contains the code that emitted the error.
	Filename string

	// Line is the location in the source file of the code that emitted the error.
	Line int
}

// Error implements the error interface.
func (self RaisedErr) Error() string {
	return fmt.Sprintf("%s: %s\n  file: %s line: %d\n%v", path.Dir(self.Filename), self.Msg, self.Filename, self.Line, self.Cause)
}

// Unwrap returns a slice that contains the causes of the RaisedErr.
func (self RaisedErr) Unwrap() []error {
	rv := make([]error, 0, 2)
	if nil != self.Flag {
		rv = append(rv, self.Flag)
	}
	if nil != self.Cause {
		rv = append(rv, self.Cause)
	}
	return rv
}

// NewError returns a RaisedErr{} that records the file & line of its caller.
//
// skip controls Caller frame resolution: pass 0 when calling NewError
// directly, 1 when calling it through a package level newError helper...
func NewError(skip int, flag error, msg string, args ...any) error {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	err := RaisedErr{Flag: flag, Msg: msg}
	captureCallSite(skip, &err)
	return err
}

// WrapError returns a RaisedErr{} that records the file & line of its caller
// and keeps cause attached for errors.Is / errors.As matching.
// If cause is nil, WrapError returns nil.
//
// skip controls Caller frame resolution exactly as for NewError.
func WrapError(cause error, skip int, flag error, msg string, args ...any) error {
	if nil == cause {
		return nil
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	err := RaisedErr{Flag: flag, Cause: cause, Msg: msg}
	captureCallSite(skip, &err)
	return err
}

// captureCallSite stores the raising file & line into err, keeping only the
// last path segment of the directory to avoid leaking build paths.
func captureCallSite(skip int, err *RaisedErr) {
	_, filename, line, ok := runtime.Caller(2 + skip)
	if !ok {
		return
	}
	dirname, filename := path.Split(filename)
	err.Filename = path.Join(path.Base(dirname), filename)
	err.Line = line
}
