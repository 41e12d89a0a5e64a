package broker

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FailureError lets a handler shape the failure envelope. Reason becomes the
// "error" field when non-empty; Fields are merged in verbatim.
type FailureError struct {
	Reason string
	Fields Result
}

func (e *FailureError) Error() string {
	if e.Reason == "" {
		return "failure"
	}
	return e.Reason
}

// Failure builds a FailureError.
func Failure(reason string, fields Result) error {
	return &FailureError{Reason: reason, Fields: fields}
}

// buildResponse turns a handler outcome into the flat JSON envelope.
func buildResponse(res Result, err error) ([]byte, error) {
	env := make(map[string]any, len(res)+2)
	if err != nil {
		var fe *FailureError
		if errors.As(err, &fe) {
			for k, v := range fe.Fields {
				env[k] = v
			}
			if fe.Reason != "" {
				env["error"] = fe.Reason
			}
		} else {
			env["error"] = err.Error()
		}
		env["status"] = StatusFailure
		return json.Marshal(env)
	}
	for k, v := range res {
		env[k] = v
	}
	env["status"] = StatusSuccess
	b, mErr := json.Marshal(env)
	if mErr != nil {
		return buildResponse(nil, fmt.Errorf("encode response: %w", mErr))
	}
	return b, nil
}
