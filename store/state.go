package store

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tsawler/trainviz/protocol"
	"github.com/tsawler/trainviz/shape"
)

// State is the lifecycle state of the training session
type State string

const (
	StateIdle      State = "idle"
	StateTraining  State = "training"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// Running reports whether a worker is expected to be live in this state.
func (s State) Running() bool {
	return s == StateTraining || s == StatePaused
}

// Finished reports whether the run has ended and its worker is gone.
func (s State) Finished() bool {
	return s == StateCompleted || s == StateError
}

// ErrorKind classifies the last run failure
type ErrorKind = protocol.ErrorKind

const (
	ErrorShapeMismatch = protocol.ErrorShapeMismatch
	ErrorGeneral       = protocol.ErrorGeneral
)

var (
	// ErrNoDataset is returned by Start when no dataset is loaded.
	ErrNoDataset = errors.New("no dataset loaded")
	// ErrNoModelConfig is returned by Start when no model is configured.
	ErrNoModelConfig = errors.New("no model configured")
	// ErrInvalidTransition is returned for commands the current state does
	// not accept. The state is never changed.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrClosed is returned by every command once the store is closed.
	ErrClosed = errors.New("store closed")
)

// transitionError wraps ErrInvalidTransition with the command and state.
func transitionError(cmd string, from State) error {
	return fmt.Errorf("%s from %s: %w", cmd, from, ErrInvalidTransition)
}

// ShapeGateError is returned by Start when the shape validator rejects the
// configured model. The run is not started.
type ShapeGateError struct {
	Result shape.Result
}

func (e *ShapeGateError) Error() string {
	msgs := make([]string, 0, len(e.Result.Issues))
	for _, is := range e.Result.Issues {
		msgs = append(msgs, is.Message)
	}
	return fmt.Sprintf("model shape issues (%d): %s", len(e.Result.Issues), strings.Join(msgs, "; "))
}

// LastError records the failure that moved the store into StateError.
type LastError struct {
	Message string    `json:"message"`
	Kind    ErrorKind `json:"kind"`
}

var shapeMessage = regexp.MustCompile(`(?i)\bshape\b|dimension|incompatible|expected .* (got|but)`)

// ClassifyError picks the error kind for a worker failure: the kind carried
// by the message wins, otherwise the text is matched against known shape
// failure wording.
func ClassifyError(p *protocol.ErrorPayload) ErrorKind {
	if p == nil {
		return ErrorGeneral
	}
	switch p.Kind {
	case ErrorShapeMismatch, ErrorGeneral:
		return p.Kind
	}
	if shapeMessage.MatchString(p.Message) {
		return ErrorShapeMismatch
	}
	return ErrorGeneral
}
