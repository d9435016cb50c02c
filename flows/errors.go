package flows

import (
	"fmt"

	errors "github.com/pkg/errors"
)

// The error taxonomy is part of the API: callers distinguish these
// with errors.Is(). Everything else raised by a state handler is a
// generic handler failure and becomes an ERROR flow transition.
var (
	// Flow start rejected before any state was created.
	InvalidArgumentsError = errors.New("InvalidArguments")

	// Inbound message cannot be routed to a flow instance.
	FlowNotFoundError = errors.New("FlowNotFound")

	// No next-state was registered for the message's call id.
	UnknownCallbackError = errors.New("UnknownCallback")

	// Attempting to mutate a finished flow.
	AlreadyTerminalError = errors.New("AlreadyTerminal")

	// Structural hunt parameters may only change while paused.
	CannotModifyRunningHuntError = errors.New("CannotModifyRunningHunt")
)

// Exceeding a resource quota is fatal to a single flow instance. It
// is a distinct type so the runner (and tests) can tell a quota kill
// apart from an ordinary handler bug.
type ResourceLimitExceededError struct {
	Message string
}

func (self *ResourceLimitExceededError) Error() string {
	return self.Message
}

func cpuLimitError() error {
	return &ResourceLimitExceededError{Message: "CPU limit exceeded."}
}

func networkLimitError() error {
	return &ResourceLimitExceededError{Message: "Network bytes limit exceeded."}
}

func IsResourceLimitExceeded(err error) bool {
	var limit_err *ResourceLimitExceededError
	return errors.As(err, &limit_err)
}

func invalidArgs(format string, args ...interface{}) error {
	return errors.Wrap(InvalidArgumentsError, fmt.Sprintf(format, args...))
}
