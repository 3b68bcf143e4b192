package plugins

import "errors"

// Error taxonomy for the plugin subsystem. Handlers translate these into
// HTTP statuses; everything else surfaces as an internal error.
var (
	// ErrManifestInvalid is returned when a plugin.yaml manifest is missing
	// required fields or cannot be parsed.
	ErrManifestInvalid = errors.New("plugin manifest invalid")

	// ErrValidationFailed is returned when an exported descriptor fails
	// validation (missing fields, bad version format, malformed lists).
	// Validation failures abort before any registry or persistence mutation.
	ErrValidationFailed = errors.New("plugin validation failed")

	// ErrCapabilityDenied is returned when plugin code attempts to acquire
	// a blocked host facility.
	ErrCapabilityDenied = errors.New("capability denied")

	// ErrExecutionTimeout is returned when plugin code exceeds its execution
	// budget. Effects of partially-run code are undefined.
	ErrExecutionTimeout = errors.New("plugin execution timeout")

	// ErrInvalidExport is returned when evaluating plugin code does not
	// yield a table export.
	ErrInvalidExport = errors.New("invalid plugin export")

	// ErrNoManifestFound is returned when an uploaded archive contains
	// neither a manifest nor a plugin entry file.
	ErrNoManifestFound = errors.New("no plugin manifest found")

	// ErrNotFound is returned for operations on an unknown plugin id.
	ErrNotFound = errors.New("plugin not found")

	// ErrRuntimeClosed is returned when calling into a plugin whose Lua
	// state has been shut down.
	ErrRuntimeClosed = errors.New("plugin runtime is closed")
)
