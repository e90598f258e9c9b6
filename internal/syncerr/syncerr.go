// Package syncerr defines the error taxonomy of a synchronization cycle.
//
// Every error a cycle stage returns is one of the types below, so callers
// can classify failures with errors.As without parsing messages.
package syncerr

import (
	"errors"
	"fmt"
)

// Stage names a step of a cycle. Values are stable; they are persisted in
// run history and surface in alerts.
type Stage string

const (
	StageFlagCheck   Stage = "flag_check"
	StageExtract     Stage = "extract"
	StageTransform   Stage = "transform"
	StageLoad        Stage = "load"
	StageReverseSync Stage = "reverse_sync"
	StageFlagReset   Stage = "flag_reset"
)

// StageError is implemented by every error in this package.
type StageError interface {
	error
	Stage() Stage
	Entity() string
}

// ConnectivityError reports that a store could not be reached or rejected a
// control-flag read or write. It is the only category worth retrying on the
// next cycle without operator action.
type ConnectivityError struct {
	Op    Stage
	Store string
	Cause error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: %s store unreachable: %v", e.Op, e.Store, e.Cause)
}

func (e *ConnectivityError) Unwrap() error  { return e.Cause }
func (e *ConnectivityError) Stage() Stage   { return e.Op }
func (e *ConnectivityError) Entity() string { return "" }

// ExtractionError reports a failed or malformed extraction for one entity.
type ExtractionError struct {
	EntityName string
	Cause      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting %s: %v", e.EntityName, e.Cause)
}

func (e *ExtractionError) Unwrap() error  { return e.Cause }
func (e *ExtractionError) Stage() Stage   { return StageExtract }
func (e *ExtractionError) Entity() string { return e.EntityName }

// TransformError reports a value that no coercion rule accepts.
type TransformError struct {
	EntityName string
	Field      string
	Row        int
	Value      any
	Cause      error
}

func (e *TransformError) Error() string {
	msg := fmt.Sprintf("transforming %s: field %s row %d: cannot coerce %v (%T)", e.EntityName, e.Field, e.Row, e.Value, e.Value)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TransformError) Unwrap() error  { return e.Cause }
func (e *TransformError) Stage() Stage   { return StageTransform }
func (e *TransformError) Entity() string { return e.EntityName }

// LoadError reports a destination write failure; the entity's transaction
// was rolled back.
type LoadError struct {
	EntityName string
	Cause      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.EntityName, e.Cause)
}

func (e *LoadError) Unwrap() error  { return e.Cause }
func (e *LoadError) Stage() Stage   { return StageLoad }
func (e *LoadError) Entity() string { return e.EntityName }

// ReverseSyncError reports a failure reading scheduling results or writing
// the source mirror table.
type ReverseSyncError struct {
	Cause error
}

func (e *ReverseSyncError) Error() string {
	return fmt.Sprintf("reverse sync: %v", e.Cause)
}

func (e *ReverseSyncError) Unwrap() error  { return e.Cause }
func (e *ReverseSyncError) Stage() Stage   { return StageReverseSync }
func (e *ReverseSyncError) Entity() string { return "" }

// ErrFlagNotReset is the cause recorded when the control flag read-back does
// not match the value just written.
var ErrFlagNotReset = errors.New("control flag read-back did not match")

// StageOf returns the stage and entity of err, or empty values when err is
// not a StageError.
func StageOf(err error) (Stage, string) {
	var se StageError
	if errors.As(err, &se) {
		return se.Stage(), se.Entity()
	}
	return "", ""
}

// IsConnectivity reports whether err is (or wraps) a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
