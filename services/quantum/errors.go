// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package quantum

import "errors"

// Validation errors surface to callers; operational failures inside
// loops and optimization runs degrade to structured failure results.
var (
	// ErrSystemNotFound indicates an unknown quantum system ID.
	ErrSystemNotFound = errors.New("quantum system not found")

	// ErrStateNotFound indicates an unknown state ID within a system.
	ErrStateNotFound = errors.New("quantum state not found")

	// ErrStateMeasured indicates a mutation attempt on a collapsed state.
	ErrStateMeasured = errors.New("quantum state already measured")

	// ErrUnknownStateType indicates an unrecognized state type string.
	ErrUnknownStateType = errors.New("unknown quantum state type")

	// ErrUnknownCategory indicates an unrecognized WIN category string.
	ErrUnknownCategory = errors.New("unknown WIN category")

	// ErrUnknownMethod indicates an unrecognized optimization method.
	ErrUnknownMethod = errors.New("unknown optimization method")

	// ErrModelsUntrained indicates an ML-only operation before training.
	ErrModelsUntrained = errors.New("models not trained")

	// ErrNoTrainingData indicates an empty or too-small training set.
	ErrNoTrainingData = errors.New("insufficient training data")

	// ErrTransitionLimit indicates the concurrent transition cap is hit.
	ErrTransitionLimit = errors.New("concurrent transition limit reached")

	// ErrAlertNotFound indicates an unknown coherence alert ID.
	ErrAlertNotFound = errors.New("coherence alert not found")

	// ErrManagerRunning indicates the manager loops are already started.
	ErrManagerRunning = errors.New("quantum manager already running")

	// ErrManagerNotRunning indicates the manager loops are not started.
	ErrManagerNotRunning = errors.New("quantum manager not running")
)
