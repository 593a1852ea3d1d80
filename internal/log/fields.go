// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldService = "service"
	FieldVersion = "version"
	FieldTaskID  = "task_id"
	FieldRunID   = "run_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldState     = "state"

	// Segment fields
	FieldSegment  = "segment"
	FieldSequence = "sequence"
	FieldAttempt  = "attempt"
	FieldClass    = "failure_class"

	// Progress fields
	FieldFinished = "finished"
	FieldTotal    = "total"
	FieldInFlight = "in_flight"

	// Path / URL fields
	FieldURL      = "url"
	FieldPath     = "path"
	FieldOutput   = "output"
	FieldTempDir  = "temp_dir"
	FieldKeyURI   = "key_uri"
	FieldPlaylist = "playlist"
)
