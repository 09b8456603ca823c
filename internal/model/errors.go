package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ValidationError rejects a submission before anything is enqueued.
// Fields maps the offending field name to a human readable reason.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(kv ...string) *ValidationError {
	ve := &ValidationError{Fields: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		ve.Fields[kv[i]] = kv[i+1]
	}
	return ve
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation error"
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation error: " + strings.Join(parts, "; ")
}

// QueueUnavailableError is returned by Submit when the queue cannot accept work.
type QueueUnavailableError struct {
	Err error
}

func (e *QueueUnavailableError) Error() string {
	return fmt.Sprintf("queue unavailable: %v", e.Err)
}

func (e *QueueUnavailableError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsQueueUnavailable(err error) bool {
	var qe *QueueUnavailableError
	return errors.As(err, &qe)
}
