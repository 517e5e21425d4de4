package taskqueue

import "errors"

var (
	// ErrNoHandlerForType is returned by SubmitTask when no registered
	// handler claims the requested task type
	ErrNoHandlerForType = errors.New("no handler registered for task type")

	// ErrHandlerExists is returned by RegisterHandler when a handler with
	// the same name is already registered
	ErrHandlerExists = errors.New("handler already registered")

	// ErrTaskTypeClaimed is returned by RegisterHandler when one of the
	// handler's supported task types is already claimed by another handler
	ErrTaskTypeClaimed = errors.New("task type already claimed by another handler")

	// ErrCoordinatorClosed is returned by mutating operations after
	// Shutdown has been called
	ErrCoordinatorClosed = errors.New("coordinator is shut down")

	// ErrHandlerNotInitialized is returned by BaseHandler.Execute when the
	// handler was never initialized
	ErrHandlerNotInitialized = errors.New("handler not initialized")

	// ErrUnsupportedTaskType is returned by BaseHandler.Execute when the
	// task type is outside the handler's capability set
	ErrUnsupportedTaskType = errors.New("task type not supported by handler")
)
