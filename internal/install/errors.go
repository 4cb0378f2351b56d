package install

import "fmt"

// PreconditionError marks failures detected before any side effect was
// attempted: wrong install status, missing template or keys, expired
// service, or a VM already present at the hypervisor.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

func preconditionf(format string, args ...any) error {
	return &PreconditionError{Reason: fmt.Sprintf(format, args...)}
}
