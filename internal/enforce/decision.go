package enforce

import "golang.org/x/sys/unix"

// Decision is the outcome of one intercepted action.
type Decision uint8

const (
	// Admit lets the syscall proceed.
	Admit Decision = iota
	// Deny fails the syscall with EPERM.
	Deny
	// Retry fails the syscall with EAGAIN; the caller may try again once
	// a verdict is on record.
	Retry
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case Deny:
		return "deny"
	default:
		return "retry"
	}
}

// Err maps the decision onto the syscall return contract.
func (d Decision) Err() error {
	switch d {
	case Admit:
		return nil
	case Deny:
		return unix.EPERM
	default:
		return unix.EAGAIN
	}
}
