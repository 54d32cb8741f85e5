package processor

import (
	"errors"
	"fmt"

	"github.com/lsm/relay/internal/batch"
	"github.com/lsm/relay/internal/sink"
)

// Phases of user logic, reported by UserLogicError.
const (
	PhaseInputFilter  = "input-filter"
	PhaseInputMap     = "input-map"
	PhaseOutputFilter = "output-filter"
	PhaseOutputMap    = "output-map"
)

// Phases reported by Phase for the remaining failure kinds.
const (
	PhaseDecode          = "decode"
	PhaseStreamDispatch  = "stream-dispatch"
	PhaseDurableDispatch = "durable-dispatch"
	PhaseStateCommit     = "state-commit"
	PhaseUnknown         = "unknown"
)

// InputPipeline is the pipeline index used for input-side failures.
const InputPipeline = -1

// ErrNonSuccess is the cause of a dispatch error whose sink answered with a
// status other than sink.StatusOK.
var ErrNonSuccess = errors.New("sink returned non-success status")

// UserLogicError wraps an error raised by a predicate or transform.
type UserLogicError struct {
	Phase    string
	Pipeline int // InputPipeline for input-side phases
	Name     string
	Index    int // event position within the phase's input
	Err      error
}

func (e *UserLogicError) Error() string {
	if e.Pipeline == InputPipeline {
		return fmt.Sprintf("%s failed on event %d: %v", e.Phase, e.Index, e.Err)
	}
	return fmt.Sprintf("%s failed in pipeline %d (%s) on event %d: %v", e.Phase, e.Pipeline, e.Name, e.Index, e.Err)
}

func (e *UserLogicError) Unwrap() error { return e.Err }

// StreamDispatchError reports a failed stream sink call.
type StreamDispatchError struct {
	Pipeline int
	Name     string
	Stream   string
	Response *sink.Response
	Err      error
}

func (e *StreamDispatchError) Error() string {
	return fmt.Sprintf("stream dispatch to %q failed for pipeline %d (%s): %v", e.Stream, e.Pipeline, e.Name, e.Err)
}

func (e *StreamDispatchError) Unwrap() error { return e.Err }

// DurableDispatchError reports a failed durable sink call.
type DurableDispatchError struct {
	Pipeline int // InputPipeline for the raw input tap
	Name     string
	Channel  string
	Response *sink.Response
	Err      error
}

func (e *DurableDispatchError) Error() string {
	return fmt.Sprintf("durable dispatch to %q failed for pipeline %d (%s): %v", e.Channel, e.Pipeline, e.Name, e.Err)
}

func (e *DurableDispatchError) Unwrap() error { return e.Err }

// StateCommitError reports that the batch was dispatched but the state
// written by user logic could not be persisted.
type StateCommitError struct {
	Err error
}

func (e *StateCommitError) Error() string {
	return fmt.Sprintf("state commit failed: %v", e.Err)
}

func (e *StateCommitError) Unwrap() error { return e.Err }

// Phase classifies an error returned by Process.
func Phase(err error) string {
	var (
		decodeErr  *batch.DecodeError
		userErr    *UserLogicError
		streamErr  *StreamDispatchError
		durableErr *DurableDispatchError
		commitErr  *StateCommitError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &decodeErr):
		return PhaseDecode
	case errors.As(err, &userErr):
		return userErr.Phase
	case errors.As(err, &streamErr):
		return PhaseStreamDispatch
	case errors.As(err, &durableErr):
		return PhaseDurableDispatch
	case errors.As(err, &commitErr):
		return PhaseStateCommit
	default:
		return PhaseUnknown
	}
}

// dispatchCause turns a sink result into the cause of a dispatch error, or
// nil when the call succeeded.
func dispatchCause(resp *sink.Response, err error) error {
	if err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("%w: no response", ErrNonSuccess)
	}
	if !resp.OK() {
		return fmt.Errorf("%w: %s", ErrNonSuccess, resp)
	}
	return nil
}
