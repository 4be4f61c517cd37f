// Package errors provides error wrapping utilities and the classified error
// types surfaced by the template pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return stderrors.New(text) }

// DownloadKind classifies a failed image transfer.
type DownloadKind string

const (
	DownloadNetwork      DownloadKind = "network"
	DownloadHTTPStatus   DownloadKind = "http_status"
	DownloadSizeMismatch DownloadKind = "size_mismatch"
	DownloadDiskWrite    DownloadKind = "disk_write"
)

// DownloadError is returned by the downloader. Only network failures and
// server-side HTTP statuses are retryable.
type DownloadError struct {
	Kind       DownloadKind
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	switch e.Kind {
	case DownloadHTTPStatus:
		return fmt.Sprintf("download %s: http status %d", e.URL, e.StatusCode)
	default:
		if e.Err == nil {
			return fmt.Sprintf("download %s: %s", e.URL, e.Kind)
		}
		return fmt.Sprintf("download %s: %s: %v", e.URL, e.Kind, e.Err)
	}
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *DownloadError) Retryable() bool {
	switch e.Kind {
	case DownloadNetwork:
		return true
	case DownloadHTTPStatus:
		return e.StatusCode >= 500
	default:
		return false
	}
}

// ToolKind classifies a failed management tool invocation.
type ToolKind string

const (
	ToolNonZeroExit ToolKind = "nonzero_exit"
	ToolNotFound    ToolKind = "tool_not_found"
)

// ToolError describes a failed invocation of the external management tool.
type ToolError struct {
	Kind     ToolKind
	Command  []string
	ExitCode int
	Output   string
	Err      error
}

func (e *ToolError) Error() string {
	cmd := strings.Join(e.Command, " ")
	if e.Kind == ToolNotFound {
		return fmt.Sprintf("%s: tool not found", cmd)
	}
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: exit status %d", cmd, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", cmd, e.ExitCode, out)
}

func (e *ToolError) Unwrap() error { return e.Err }

// ValidationKind names a failed environment precondition.
type ValidationKind string

const (
	MissingDependency     ValidationKind = "missing_dependency"
	MissingStorage        ValidationKind = "missing_storage"
	MissingKeyfile        ValidationKind = "missing_keyfile"
	InsufficientPrivilege ValidationKind = "insufficient_privilege"
	MissingBridge         ValidationKind = "missing_bridge"
	UnwritableWorkDir     ValidationKind = "unwritable_work_dir"
)

// ValidationError is a failed precondition. It is reported, never corrected.
type ValidationError struct {
	Kind   ValidationKind
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// ConflictError signals that the template ID is already taken on the host.
// The pipeline resolves it to a skipped outcome.
type ConflictError struct {
	VMID int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("vm_id_exists: VM %d already exists", e.VMID)
}

// CleanupKind classifies a failed cleanup action.
type CleanupKind string

const (
	RollbackFailed CleanupKind = "rollback_failed"
	ResidualFile   CleanupKind = "residual_file"
)

// CleanupError is attached to outcomes as a warning rather than failing them.
type CleanupError struct {
	Kind   CleanupKind
	Target string
	Err    error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Target, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }
