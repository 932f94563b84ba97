package observability

import (
	"errors"
	"fmt"
	"strings"

	"github.com/coachpo/sentinel/errs"
)

// AggregateErrors folds the failures of a multi-step operation into a single
// errs envelope and logs one entry counting them per error code. The envelope
// takes the code the failures share, or CodeUnavailable when they differ, and
// wraps every failure so errors.Is and errors.As still reach them. It returns
// nil when nothing failed.
func AggregateErrors(logger Logger, operation string, failures []error, fields ...Field) error {
	failed := make([]error, 0, len(failures))
	byCode := make(map[string]int)
	shared := errs.Code("")
	for _, err := range failures {
		if err == nil {
			continue
		}
		failed = append(failed, err)
		code := errs.CodeOf(err)
		byCode[codeLabel(code)]++
		if len(failed) == 1 {
			shared = code
		} else if shared != code {
			shared = ""
		}
	}
	if len(failed) == 0 {
		return nil
	}
	if shared == "" {
		shared = errs.CodeUnavailable
	}
	if logger == nil {
		logger = Log()
	}

	messages := make([]string, 0, len(failed))
	for _, err := range failed {
		messages = append(messages, err.Error())
	}
	logger.Error(operation+" incomplete", append(fields,
		F("operation", operation),
		F("failures", len(failed)),
		F("codes", byCode),
		F("errors", strings.Join(messages, "; ")),
	)...)
	return errs.New(operation, shared,
		errs.WithMessage(fmt.Sprintf("%d step(s) failed", len(failed))),
		errs.WithCause(errors.Join(failed...)))
}

func codeLabel(code errs.Code) string {
	if code == "" {
		return "unclassified"
	}
	return string(code)
}
