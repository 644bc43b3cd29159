// Package errors provides the error kinds of the active learning loop and
// an error wrapper which remembers where it was created.
//
// Wrapped errors print as
//
//	@ pkg.Func "file.go" l42 (note) <- cause
//
// so that a chain of wraps reads as a stack when you replace `<-` with newlines.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrWithCaller is an error annotated with the location where it is wrapped.
type ErrWithCaller struct {
	file     string
	line     int
	funcname string
	note     string
	err      error
}

func (e *ErrWithCaller) File() string {
	return e.file
}

func (e *ErrWithCaller) Line() int {
	return e.line
}

func (e *ErrWithCaller) Error() string {
	loc := fmt.Sprintf(`@ %s "%s" l%d`, e.funcname, e.file, e.line)
	if e.note != "" {
		loc += " (" + e.note + ")"
	}
	return loc + " <- " + e.err.Error()
}

func (e *ErrWithCaller) Unwrap() error {
	return e.err
}

// New creates an error with the caller's location.
func New(text string) error {
	return wrap("", errors.New(text), 1)
}

// Wrap annotates err with the caller's location.
//
// Wrap(nil) is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return wrap("", err, 1)
}

// WrapWithNote annotates err with the caller's location and a short note.
//
// WrapWithNote(_, nil) is nil.
func WrapWithNote(note string, err error) error {
	if err == nil {
		return nil
	}
	return wrap(note, err, 1)
}

func wrap(note string, err error, depth int) error {
	e := &ErrWithCaller{
		funcname: "(unknown func)",
		file:     "?",
		line:     -1,
		note:     note,
		err:      err,
	}

	pc, file, line, ok := runtime.Caller(depth + 1)
	if ok {
		e.file = file
		e.line = line
	}
	if fn := runtime.FuncForPC(pc); fn != nil {
		e.funcname = fn.Name()
	}
	return e
}
