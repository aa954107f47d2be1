package errors

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	pkgerrors "github.com/pkg/errors"
)

// Sentinels for errors.Is checks against the typed errors below.
var (
	ErrValidation     = pkgerrors.New("validation error")
	ErrConflict       = pkgerrors.New("judgement conflict")
	ErrLockTimeout    = pkgerrors.New("lock timeout")
	ErrSchemaConflict = pkgerrors.New("schema conflict")
	ErrNotFound       = pkgerrors.New("not found")
)

// Re-exported so callers importing this package under the name "errors" keep
// the usual helpers.
var (
	New    = pkgerrors.New
	Errorf = pkgerrors.Errorf
	Wrap   = pkgerrors.Wrap
	Wrapf  = pkgerrors.Wrapf
	Is     = pkgerrors.Is
	As     = pkgerrors.As
	Cause  = pkgerrors.Cause
)

// ValidationError rejects a malformed statement or entity. It is counted by
// the crawl context and never aborts a run.
type ValidationError struct {
	EntityID string
	Schema   string
	Prop     string
	Value    string
	Message  string
}

func NewValidationError(msg string) *ValidationError {
	return &ValidationError{Message: msg}
}

func NewValidationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	path := []string{}
	if e.EntityID != "" {
		path = append(path, fmt.Sprintf("entity '%s'", e.EntityID))
	}
	if e.Schema != "" {
		path = append(path, fmt.Sprintf("schema '%s'", e.Schema))
	}
	if e.Prop != "" {
		path = append(path, fmt.Sprintf("prop '%s'", e.Prop))
	}
	if len(path) == 0 {
		return e.Message
	}
	return strings.Join(path, " -> ") + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) WithEntity(entityID, schema string) *ValidationError {
	e.EntityID = entityID
	e.Schema = schema
	return e
}

func (e *ValidationError) WithProp(prop, value string) *ValidationError {
	e.Prop = prop
	e.Value = value
	return e
}

func (e *ValidationError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusBadRequest, e.Error()).
		AddMetaValue("entity_id", e.EntityID).
		AddMetaValue("schema", e.Schema).
		AddMetaValue("prop", e.Prop)
}

// ConflictError is returned when a judgement would violate an explicit
// negative judgement. The judgement is not applied.
type ConflictError struct {
	Left     string
	Right    string
	Verdict  string
	Actor    string
	Blocking [2]string
	Reason   string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("%s judgement between '%s' and '%s' by '%s' rejected: %s", e.Verdict, e.Left, e.Right, e.Actor, e.Reason)
	if e.Blocking[0] != "" {
		msg += fmt.Sprintf(" (blocked by no_match between '%s' and '%s')", e.Blocking[0], e.Blocking[1])
	}
	return msg
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func (e *ConflictError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusConflict, e.Error()).
		AddMetaValue("left", e.Left).
		AddMetaValue("right", e.Right).
		AddMetaValue("verdict", e.Verdict).
		AddMetaValue("blocking_left", e.Blocking[0]).
		AddMetaValue("blocking_right", e.Blocking[1])
}

// LockTimeoutError reports that a destination stayed locked for longer than
// the caller was willing to wait. Stale is set when the holder's lock is older
// than the configured staleness threshold, which usually means the holder
// crashed; clearing it is an operator decision.
type LockTimeoutError struct {
	Path      string
	Holder    string
	HeldSince time.Time
	Waited    time.Duration
	Stale     bool
}

func (e *LockTimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %s waiting for lock on '%s'", e.Waited, e.Path)
	if e.Holder != "" {
		msg += fmt.Sprintf(" held by %s", e.Holder)
	}
	if !e.HeldSince.IsZero() {
		msg += fmt.Sprintf(" since %s", e.HeldSince.UTC().Format(time.RFC3339))
	}
	if e.Stale {
		msg += " (stale: holder may have crashed, run unlock to clear)"
	}
	return msg
}

func (e *LockTimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}

func (e *LockTimeoutError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusLocked, e.Error()).
		AddMetaValue("path", e.Path).
		AddMetaValue("stale", strconv.FormatBool(e.Stale))
}

// SchemaConflict describes a merged entity whose members carry incompatible
// schemata. It is a diagnostic, the entity is still exported.
type SchemaConflict struct {
	EntityID string
	Schemata []string
	Resolved string
}

func (e *SchemaConflict) Error() string {
	return fmt.Sprintf("entity '%s' has incompatible schemata [%s], exported as '%s'", e.EntityID, strings.Join(e.Schemata, ", "), e.Resolved)
}

func (e *SchemaConflict) Is(target error) bool {
	return target == ErrSchemaConflict
}

// NotFound builds the 404 the repositories and routes share.
func NotFound(format string, args ...any) *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf(format, args...))
}

// ToHTTPError converts any domain error into an HTTP error. Errors that are
// already HTTP errors pass through; anything else becomes a 500.
func ToHTTPError(err error) error {
	if err == nil {
		return nil
	}
	if httperror.IsHTTPError(err) {
		return err
	}

	var validationErr *ValidationError
	if As(err, &validationErr) {
		return validationErr.ToHTTPError()
	}
	var conflictErr *ConflictError
	if As(err, &conflictErr) {
		return conflictErr.ToHTTPError()
	}
	var lockErr *LockTimeoutError
	if As(err, &lockErr) {
		return lockErr.ToHTTPError()
	}
	if Is(err, ErrNotFound) {
		return httperror.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return httperror.WrapError(http.StatusInternalServerError, err)
}

func IsValidationError(err error) bool {
	return Is(err, ErrValidation)
}

func IsConflictError(err error) bool {
	return Is(err, ErrConflict)
}

func IsLockTimeout(err error) bool {
	return Is(err, ErrLockTimeout)
}
