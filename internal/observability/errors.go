package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors folds the non-nil errors of a multi-step operation into a
// single error and reports them through the global logger. It returns nil
// when every step succeeded.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	var kept []error
	var messages []string
	for _, err := range errs {
		if err == nil {
			continue
		}
		kept = append(kept, err)
		messages = append(messages, err.Error())
	}
	if len(kept) == 0 {
		return nil
	}
	fields = append(fields,
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(kept)},
		Field{Key: "errors", Value: messages},
	)
	Log().Error("operation errors", fields...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(kept...))
}
