package tools

import (
	"errors"
	"fmt"
)

// ErrToolTimeout marks a tool call that exceeded the hard timeout. The call
// is considered failed and is not retried automatically.
var ErrToolTimeout = errors.New("tool execution timed out")

// ErrUnknownTool marks a request for a tool that is not registered or not
// enabled for the tenant.
var ErrUnknownTool = errors.New("unknown tool")

// BackendError is a structured error returned by the business tool backend.
// It is recoverable: the conversation continues with a spoken fallback.
type BackendError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("tool backend error %s: %s", e.Code, e.Message)
}

// FallbackMessage maps a tool failure to the short natural-language reply the
// model speaks instead of surfacing a protocol error to the caller.
func FallbackMessage(err error) string {
	switch {
	case errors.Is(err, ErrToolTimeout):
		return "I'm sorry, that took longer than expected. Could we try that again?"
	case errors.Is(err, ErrUnknownTool):
		return "I'm sorry, I can't help with that particular request on this line."
	default:
		var be *BackendError
		if errors.As(err, &be) && be.Code == "not_found" {
			return "I couldn't find a matching record for that. Could you double-check the details?"
		}
		return "I'm sorry, something went wrong while I was checking that. Let's try once more."
	}
}
