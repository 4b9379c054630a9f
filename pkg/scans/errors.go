package scans

import (
	"errors"
	"fmt"
	"strings"

	va "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/go-multierror"
)

// ErrNotFound is matched by every lookup failure of this package.
var ErrNotFound = errors.New("not found")

var (
	ErrScanNotFound       = fmt.Errorf("scan %w", ErrNotFound)
	ErrRepositoryNotFound = fmt.Errorf("repository %w", ErrNotFound)
)

// FieldError describes one rejected input. Loc names the source ("body",
// "query", "path") followed by the field.
type FieldError struct {
	Loc  []string
	Msg  string
	Type string
}

func (e *FieldError) Error() string {
	return strings.Join(e.Loc, ".") + ": " + e.Msg
}

func missing(loc ...string) *FieldError {
	return &FieldError{Loc: loc, Msg: "Field required", Type: "missing"}
}

// ValidationError is returned before any store call when input is rejected.
type ValidationError struct {
	Fields []*FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Error())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// validationError turns accumulated field errors into a *ValidationError,
// or nil when there are none.
func validationError(merr *multierror.Error) error {
	if merr.ErrorOrNil() == nil {
		return nil
	}
	verr := &ValidationError{}
	for _, err := range merr.Errors {
		var fe *FieldError
		if errors.As(err, &fe) {
			verr.Fields = append(verr.Fields, fe)
		}
	}
	return verr
}

// ValidatePage checks pagination parameters.
func ValidatePage(skip, limit int) error {
	page := struct {
		Skip  int `json:"skip"`
		Limit int `json:"limit"`
	}{skip, limit}
	rules, err := ruleErrors(va.ValidateStruct(&page,
		va.Field(&page.Skip, va.Min(0).ErrorObject(errNotNegative)),
		// Min skips zero values, so Required rejects a zero limit.
		va.Field(&page.Limit, va.Required.ErrorObject(errAtLeastOne), va.Min(1).ErrorObject(errAtLeastOne)),
	))
	if err != nil {
		return err
	}

	var merr *multierror.Error
	for _, name := range []string{"skip", "limit"} {
		if ve, ok := rules[name]; ok {
			merr = multierror.Append(merr, &FieldError{Loc: []string{"query", name}, Msg: ve.Message(), Type: ve.Code()})
		}
	}
	return validationError(merr)
}
