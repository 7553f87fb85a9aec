// Package kernel contains types shared across all kernel subsystems.
package kernel

// Error describes a kernel error. All kernel errors are defined as global
// variables that are pointers to the Error structure. This requirement
// stems from the fact that the Go allocator is not available during early
// boot so we cannot rely on errors.New.
type Error struct {
	// Module is the name of the subsystem where the error occurred.
	Module string

	// Message is the error text.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Module + ": " + e.Message
}
