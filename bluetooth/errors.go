package bluetooth

import "errors"

// Command-path error classes. Plugins wrap these with errw so dispatch
// results can be classified with errors.Is while carrying detail text.
var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrTimeout          = errors.New("timed out")
)

// Result is the outcome of a dispatched adapter or device command.
type Result struct {
	// Processed is true when some plugin (or built-in) claimed the command.
	Processed bool
	// ErrorMessage is empty on success.
	ErrorMessage string
	// Data holds any command-specific payload to merge into the response.
	Data map[string]interface{}
}

// Succeeded reports whether the command was claimed and completed cleanly.
func (r Result) Succeeded() bool {
	return r.Processed && r.ErrorMessage == ""
}
