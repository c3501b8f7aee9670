// Package opserr defines the closed set of error kinds surfaced by the
// engine and its components. Components return a *Error (or wrap one);
// drivers and API layers match on Kind, never on concrete error types.
package opserr

import "fmt"

type Kind string

const (
	// Configuration
	KindInvalidDescriptor Kind = "invalid_descriptor"
	KindMissingField      Kind = "missing_field"
	KindUnsupportedMount  Kind = "unsupported_mount"

	// Resolution
	KindHostNotFound Kind = "host_not_found"
	KindUnreachable  Kind = "unreachable"
	KindAuthRejected Kind = "auth_rejected"
	KindTotpRequired Kind = "totp_required"
	KindTotpInvalid  Kind = "totp_invalid"

	// Daemon
	KindDaemonUnavailable Kind = "daemon_unavailable"
	KindDaemonError       Kind = "daemon_error"
	KindImagePullDenied   Kind = "image_pull_denied"
	KindConflict          Kind = "conflict"
	KindNotFound          Kind = "not_found"
	KindIOError           Kind = "io_error"
	KindTimeout           Kind = "timeout"

	// Operation control
	KindAlreadyRunning    Kind = "already_running"
	KindSameHost          Kind = "same_host"
	KindElevationRequired Kind = "elevation_required"

	// Health
	KindProbeFailed  Kind = "probe_failed"
	KindProbeTimeout Kind = "probe_timeout"

	// Backup
	KindBackupFailed           Kind = "backup_failed"
	KindBackupSkippedPrivileged Kind = "backup_skipped_privileged"
	KindBackupSkippedLarge     Kind = "backup_skipped_large"

	// Data migration
	KindVolumeCopyFailed     Kind = "volume_copy_failed"
	KindManualActionRequired Kind = "manual_action_required"

	// Internal
	KindInvariantViolation Kind = "invariant_violation"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Cause implements the github.com/pkg/errors causer interface.
func (e *Error) Cause() error { return e.Err }

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf walks the cause chain and returns the outermost Kind, or "" if
// no *Error is present.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}

		switch v := err.(type) {
		case interface{ Unwrap() error }:
			err = v.Unwrap()
		case interface{ Cause() error }:
			err = v.Cause()
		default:
			return ""
		}
	}

	return ""
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}

		switch v := err.(type) {
		case interface{ Unwrap() error }:
			err = v.Unwrap()
		case interface{ Cause() error }:
			err = v.Cause()
		default:
			return false
		}
	}

	return false
}
