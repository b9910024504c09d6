// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package learning

import "errors"

// Validation errors are raised synchronously to the caller; they indicate
// a caller contract violation and are never silently swallowed.
// Operational failures are instead reported as structured results.
var (
	// ErrUnknownExperienceType indicates an unrecognized experience type
	// string at the ingestion boundary.
	ErrUnknownExperienceType = errors.New("unknown experience type")

	// ErrInvalidRule indicates an adaptation rule missing required fields.
	ErrInvalidRule = errors.New("invalid adaptation rule")

	// ErrSessionNotFound indicates an unknown learning session ID.
	ErrSessionNotFound = errors.New("learning session not found")

	// ErrSessionFinalized indicates an operation on an already finalized session.
	ErrSessionFinalized = errors.New("learning session already finalized")

	// ErrCycleInProgress indicates a learning cycle is already running.
	ErrCycleInProgress = errors.New("learning cycle already in progress")

	// ErrSystemNotRunning indicates the background loop is not started.
	ErrSystemNotRunning = errors.New("learning system not running")

	// ErrSystemRunning indicates the background loop is already started.
	ErrSystemRunning = errors.New("learning system already running")

	// ErrNilExperience indicates a nil experience was passed to ingestion.
	ErrNilExperience = errors.New("nil experience")
)
