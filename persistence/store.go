// Package persistence provides StateStore backends that save and load the
// orchestration snapshot used for pause and resume.
//
// Supported backends:
// - Memory: for tests and embedding
// - File: indented JSON files meant to be edited by an operator
// - Redis: shared snapshots with a bounded history per destination
// - SQL: sqlite, postgres or mysql through GORM
package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BaSui01/orchestra/types"
)

// Common errors
var (
	ErrNotFound     = errors.New("state not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StateStore persists OrchestrationState snapshots under a destination name.
// For the file backend the destination is a path; other backends use it as
// a key.
type StateStore interface {
	Save(ctx context.Context, dest string, state *types.OrchestrationState) error
	Load(ctx context.Context, src string) (*types.OrchestrationState, error)
	Close() error
}

// Encode renders a snapshot as indented JSON.
func Encode(state *types.OrchestrationState) ([]byte, error) {
	if state == nil {
		return nil, ErrInvalidInput
	}
	if state.Version == 0 {
		state.Version = types.StateVersion
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses and validates a snapshot. Unknown fields are rejected so a
// typo in a hand-edited file is reported rather than silently ignored.
func Decode(data []byte) (*types.OrchestrationState, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var state types.OrchestrationState
	if err := dec.Decode(&state); err != nil {
		return nil, types.NewError(types.ErrStateStore, "failed to parse state").WithCause(err)
	}
	state.Normalize()
	if err := state.Validate(); err != nil {
		return nil, err
	}
	return &state, nil
}

func notFound(dest string) error {
	return types.Errorf(types.ErrStateStore, "no state saved at %q", dest).WithCause(ErrNotFound)
}

func storeError(op, dest string, err error) error {
	return types.Errorf(types.ErrStateStore, "%s state %q", op, dest).WithCause(err)
}
