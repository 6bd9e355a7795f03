package models

import "errors"

// Error kinds surfaced by the orchestrators and the prediction service.
// Callers wrap them with fmt.Errorf("%w: ...") and test with errors.Is.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrUnsupported      = errors.New("unsupported")
	ErrExecutionFailure = errors.New("execution failure")
	ErrTransientInfra   = errors.New("transient infrastructure error")

	// ErrCancelled is returned internally when a worker reaches a
	// transition boundary and finds the job cancelled.
	ErrCancelled = errors.New("job cancelled")
)
