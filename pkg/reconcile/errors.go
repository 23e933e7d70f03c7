package reconcile

import (
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/pkg/errors"
)

// ValidationError rejects an observation before any read or write happens
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusBadRequest, e.Error()).AddMetaValue("field", e.Field)
}

// InvariantViolation reports a group shape the engine refuses to resolve on its own,
// such as secondaries that disagree on their primary.
type InvariantViolation struct {
	Message    string
	ContactIDs []int64
}

func (e *InvariantViolation) Error() string {
	if len(e.ContactIDs) == 0 {
		return "identity invariant violated: " + e.Message
	}
	return fmt.Sprintf("identity invariant violated: %s (contacts %v)", e.Message, e.ContactIDs)
}

func (e *InvariantViolation) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusConflict, e.Error()).AddMetaValue("contact_ids", e.ContactIDs)
}

// StoreError wraps an infrastructure failure from the contact store
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("contact store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) ToHTTPError() *httperror.HTTPError {
	if httperror.IsHTTPError(e.Err) {
		return httperror.ToHTTPError(e.Err)
	}
	return httperror.NewHTTPError(http.StatusInternalServerError, "failed to reconcile contact")
}

// ErrorKind labels an error for metrics and logs
func ErrorKind(err error) string {
	var validationErr *ValidationError
	var invariantErr *InvariantViolation
	var storeErr *StoreError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validationErr):
		return "validation"
	case errors.As(err, &invariantErr):
		return "invariant"
	case errors.As(err, &storeErr):
		return "store"
	default:
		return "unknown"
	}
}

// ToHTTPError converts engine errors into ectoerror HTTP errors. Unknown errors pass through.
func ToHTTPError(err error) error {
	var validationErr *ValidationError
	var invariantErr *InvariantViolation
	var storeErr *StoreError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &validationErr):
		return validationErr.ToHTTPError()
	case errors.As(err, &invariantErr):
		return invariantErr.ToHTTPError()
	case errors.As(err, &storeErr):
		return storeErr.ToHTTPError()
	default:
		return err
	}
}

func isNotFound(err error) bool {
	var httpErr *httperror.HTTPError
	return errors.As(err, &httpErr) && httpErr.Code == http.StatusNotFound
}

// wrapStore tags store failures with the operation name, leaving engine errors untouched
func wrapStore(op string, err error) error {
	if err == nil || ErrorKind(err) != "unknown" {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
