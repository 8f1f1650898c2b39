package schema

import "fmt"

// ValidationError reports a record or patch that is malformed. It is never
// retried and is answered with an ERROR frame to the sender only.
type ValidationError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Kind != "" && e.Field != "":
		return fmt.Sprintf("invalid %s: %s %s", e.Kind, e.Field, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("invalid record: %s %s", e.Field, e.Reason)
	default:
		return "invalid record: " + e.Reason
	}
}
