package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRunNotFound is returned when a run UUID cannot be found in the store.
var ErrRunNotFound = errors.New("run not found")

// ErrFlowNotFound is returned when a flow UUID cannot be found in the repository.
var ErrFlowNotFound = errors.New("flow not found")

// ErrNoRevision is returned when a flow has no saved revision yet.
var ErrNoRevision = errors.New("flow has no revision")

// ErrDeferred is returned when the contact lock could not be acquired in time.
// The event must be re-queued, never dropped.
var ErrDeferred = errors.New("contact busy, event deferred")

// FlowUserConflictError means another editor saved a newer revision first.
type FlowUserConflictError struct {
	FlowUUID        string
	CurrentRevision int
	BaseRevision    int
	SavedBy         string
}

func (e *FlowUserConflictError) Error() string {
	return fmt.Sprintf("flow %s was saved by %s at revision %d, your copy is revision %d: refresh and retry",
		e.FlowUUID, e.SavedBy, e.CurrentRevision, e.BaseRevision)
}

// FlowVersionConflictError means the client definition uses an older schema version.
type FlowVersionConflictError struct {
	FlowUUID       string
	CurrentVersion int
	ClientVersion  int
}

func (e *FlowVersionConflictError) Error() string {
	return fmt.Sprintf("flow %s uses spec version %d, client sent %d: refresh and retry",
		e.FlowUUID, e.CurrentVersion, e.ClientVersion)
}

// InvalidCycleError is returned when a flow can loop forever without waiting for input.
type InvalidCycleError struct {
	NodeUUIDs []string
}

func (e *InvalidCycleError) Error() string {
	return fmt.Sprintf("flow contains a loop without a wait for input: %s", strings.Join(e.NodeUUIDs, " -> "))
}

// FlowValidationError aggregates structural problems found in a definition.
type FlowValidationError struct {
	Problems []string
}

func (e *FlowValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid flow: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid flow: %d problems: %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Add records a problem.
func (e *FlowValidationError) Add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// OrNil returns e when it holds problems.
func (e *FlowValidationError) OrNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}

// MissingNodeError is a runtime configuration error: a run points at a node
// that no longer exists in the current revision.
type MissingNodeError struct {
	FlowUUID string
	NodeUUID string
}

func (e *MissingNodeError) Error() string {
	return fmt.Sprintf("node %s not found in flow %s", e.NodeUUID, e.FlowUUID)
}

// ErrChannelNotFound is returned when a channel UUID is unknown.
var ErrChannelNotFound = errors.New("channel not found")
