package scan

import (
	"errors"
	"fmt"
	"strings"
)

// OverloadError indicates the analysis backend signalled rate-limiting and
// the retry budget was exhausted.
type OverloadError struct {
	Err error
}

func (e *OverloadError) Error() string {
	return fmt.Sprintf("scan: backend overloaded: %v", e.Err)
}

func (e *OverloadError) Unwrap() error { return e.Err }

// ValidationError indicates the model produced an unrecognized risk level.
// It is recovered locally by substituting a medium severity and never
// surfaces to callers.
type ValidationError struct {
	Level string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("scan: unrecognized risk level %q", e.Level)
}

// overloadMarkers are the substrings the hosted backend embeds in error
// messages when it is rate-limiting or at capacity.
var overloadMarkers = []string{"429", "503", "limit"}

// isOverload reports whether err carries one of the backend's overload
// markers. Only these errors are retried.
func isOverload(err error) bool {
	if err == nil {
		return false
	}
	var oe *OverloadError
	if errors.As(err, &oe) {
		return true
	}
	msg := err.Error()
	for _, m := range overloadMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
