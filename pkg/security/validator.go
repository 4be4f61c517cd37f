package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// Validator guards what the downloader is allowed to write locally.
type Validator struct {
	maxFileSize int64
}

// NewValidator creates a new security validator. A maxFileSize of zero
// disables the size limit.
func NewValidator(maxFileSize int64) *Validator {
	slog.Info("security_validator_init", "max_file_size_mb", maxFileSize/1024/1024)

	return &Validator{maxFileSize: maxFileSize}
}

// ValidatePath checks that a catalog-supplied file name stays inside the
// download directory.
func (v *Validator) ValidatePath(name string) error {
	if name == "" {
		return fmt.Errorf("security: empty file name")
	}

	// Reject absolute paths
	if filepath.IsAbs(name) {
		slog.Error("security_path_validation_failed", "path", name, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", name)
	}

	clean := filepath.Clean(name)

	// Reject paths that start with .. (escape download directory)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		slog.Error("security_path_validation_failed", "path", name, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", name)
	}

	if strings.ContainsRune(clean, filepath.Separator) {
		slog.Error("security_path_validation_failed", "path", name, "reason", "nested_path")
		return fmt.Errorf("security: file name must not contain directories: %s", name)
	}

	return nil
}

// Destination joins a validated file name onto dir.
func (v *Validator) Destination(dir, name string) (string, error) {
	if err := v.ValidatePath(name); err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Clean(name)), nil
}

// ValidateFileSize checks if an image exceeds the max file size
func (v *Validator) ValidateFileSize(size int64) error {
	if v.maxFileSize > 0 && size > v.maxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.maxFileSize/1024/1024)
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.maxFileSize)
	}
	return nil
}

// MaxFileSize returns the configured limit, zero when unlimited.
func (v *Validator) MaxFileSize() int64 {
	return v.maxFileSize
}
