package workflow

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/BaSui01/wayflow/types"
)

// Flow construction errors.
var (
	ErrInvalidFlow        = errors.New("invalid flow")
	ErrDuplicateStep      = errors.New("duplicate step name")
	ErrUnreachableStep    = errors.New("step not reachable from begin step")
	ErrUnknownBranch      = errors.New("unknown branch")
	ErrAmbiguousBranch    = errors.New("ambiguous branch: more than one control edge")
	ErrUnknownDataName    = errors.New("unknown input or output name")
	ErrIncompatibleTypes  = errors.New("incompatible data types")
	ErrDataFanIn          = errors.New("data fan-in: input already has a producing edge")
	ErrMissingStepConfig  = errors.New("missing required step configuration")
	ErrDuplicateVariable  = errors.New("duplicate variable")
	ErrInvalidDescriptors = errors.New("invalid descriptors")
)

// Execution errors.
var (
	ErrMissingInput         = errors.New("missing input value")
	ErrMissingOutput        = errors.New("missing output value")
	ErrUnknownVariable      = errors.New("unknown variable")
	ErrVariableOperation    = errors.New("invalid variable operation")
	ErrStepNotInvocable     = errors.New("step implements no invocation form")
	ErrConversationBusy     = errors.New("conversation is already executing")
	ErrConversationFinished = errors.New("conversation already finished")
	ErrParallelYield        = errors.New("sub-flow suspended inside parallel execution")
	ErrToolRejected         = errors.New("tool execution rejected")
	ErrNotSerializable      = errors.New("component is not serializable")
)

// ErrResumePrecondition is returned when Execute is called while the pending
// status still waits for caller input.
var ErrResumePrecondition = types.NewError(types.ErrResumePrecondition, "resume precondition not met")

// NamedError lets runtime errors choose the name matched by CatchExceptionStep.
type NamedError interface {
	error
	ErrorName() string
}

// StepError wraps a failure raised while invoking a step.
type StepError struct {
	Step string
	Path string
	Err  error
}

func (e *StepError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("step %q (in %s) failed: %v", e.Step, e.Path, e.Err)
	}
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// MaxNumTrialsExceededError is raised by RetryStep on exhaustion when no
// failure branch is configured.
type MaxNumTrialsExceededError struct {
	Step   string
	Trials int
	// Cause is the error of the last trial, nil when it finished without
	// meeting the success condition.
	Cause error
}

func (e *MaxNumTrialsExceededError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("retry step %q: success condition not met after %d trials, last error: %v", e.Step, e.Trials, e.Cause)
	}
	return fmt.Sprintf("retry step %q: success condition not met after %d trials", e.Step, e.Trials)
}

func (e *MaxNumTrialsExceededError) Unwrap() error { return e.Cause }

// ErrorName implements NamedError.
func (e *MaxNumTrialsExceededError) ErrorName() string { return "MaxNumTrialsExceededException" }

// ValueError is a generic named runtime error for user steps and tools.
type ValueError struct {
	Name    string
	Message string
}

func (e *ValueError) Error() string { return e.Message }

// ErrorName implements NamedError.
func (e *ValueError) ErrorName() string {
	if e.Name == "" {
		return "ValueError"
	}
	return e.Name
}

// NewNamedError creates an error carrying an exception name.
func NewNamedError(name, message string) error {
	return &ValueError{Name: name, Message: message}
}

// ErrorName returns the name used for exception routing: the first
// NamedError in the wrap chain, else the Go type name of the innermost
// non-wrapper error.
func ErrorName(err error) string {
	if err == nil {
		return ""
	}
	var named NamedError
	if errors.As(err, &named) {
		return named.ErrorName()
	}
	inner := err
	for isWrapper(inner) {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	name := reflect.TypeOf(inner).String()
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	if name == "errorString" {
		return "Error"
	}
	return name
}

// isWrapper reports whether err only adds context (fmt.Errorf %w).
func isWrapper(err error) bool {
	switch reflect.TypeOf(err).String() {
	case "*fmt.wrapError", "*fmt.wrapErrors", "*workflow.StepError":
		return true
	}
	return false
}

// flowError reports a construction failure; errors.Is matches both
// ErrInvalidFlow and the specific sentinel.
func flowError(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrInvalidFlow, sentinel, fmt.Sprintf(format, args...))
}
