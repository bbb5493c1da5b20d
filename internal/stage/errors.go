// Package stage holds the per-scenario pipeline states and the error
// taxonomy shared by every pipeline stage.
package stage

import (
	"errors"
	"fmt"
)

// Error kinds. All except ErrMismatch end a scenario as ERRORED.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrExecution     = errors.New("execution error")
	ErrExport        = errors.New("export error")
	ErrConversion    = errors.New("conversion error")
	ErrLoad          = errors.New("load error")
	ErrMismatch      = errors.New("comparison mismatch")
)

// Name identifies the pipeline stage that produced an error.
type Name string

const (
	Scenario  Name = "scenario"
	Inputs    Name = "inputs"
	Reference Name = "reference"
	Export    Name = "export"
	Convert   Name = "convert"
	Load      Name = "load"
	Compare   Name = "compare"
)

// Error wraps a stage failure with its kind.
type Error struct {
	Stage Name
	Kind  error
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}

	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

// Errorf builds a stage error with a formatted cause.
func Errorf(stage Name, kind error, format string, args ...any) error {
	return &Error{Stage: stage, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a stage and kind to err. An err that already carries a
// stage error is returned unchanged so the innermost classification wins.
func Wrap(stage Name, kind error, err error) error {
	if err == nil {
		return nil
	}

	var se *Error
	if errors.As(err, &se) {
		return err
	}

	return &Error{Stage: stage, Kind: kind, Err: err}
}

// KindOf returns the error kind carried by err, or nil when err is not a
// stage error.
func KindOf(err error) error {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	return nil
}

// StageOf returns the stage that produced err, or "" when unknown.
func StageOf(err error) Name {
	var se *Error
	if errors.As(err, &se) {
		return se.Stage
	}

	return ""
}
