package network

import (
	"errors"
	"fmt"

	"github.com/nikicat/netctld/internal/validate"
)

// ErrValidation is matched by malformed or unsafe input. It fails fast before
// any side effect.
var ErrValidation = validate.ErrInvalid

// ErrConflict is returned when a device already has an activation in progress.
var ErrConflict = errors.New("activation already in progress for device")

// ErrTimeout is returned when a bounded wait is exceeded.
var ErrTimeout = errors.New("timed out")

// ErrPermission is returned when a privilege check fails.
var ErrPermission = errors.New("permission denied")

// ErrServiceUnavailable is returned when a required external program is missing.
var ErrServiceUnavailable = errors.New("service unavailable")

// ErrNotFound is returned for unknown devices, connections and objects.
var ErrNotFound = errors.New("not found")

// StageKind identifies which part of an activation failed.
type StageKind string

const (
	StageKindInterface StageKind = "interface"
	StageKindWifi      StageKind = "wifi"
	StageKindIPConfig  StageKind = "ipconfig"
	StageKindVPN       StageKind = "vpn"
)

// StageError records an activation failure together with the stage it
// happened in.
type StageError struct {
	Kind  StageKind
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s error during %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err as a failure of kind during stage.
func NewStageError(kind StageKind, stage Stage, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Err: err}
}
