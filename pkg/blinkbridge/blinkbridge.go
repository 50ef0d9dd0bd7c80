// Package blinkbridge provides a public facade re-exporting core types
// for external consumers of this module.
package blinkbridge

import (
	"github.com/trymwestin/blinkd/internal/core/auth"
	"github.com/trymwestin/blinkd/internal/core/blinkapi"
	"github.com/trymwestin/blinkd/internal/core/dispatcher"
	"github.com/trymwestin/blinkd/internal/core/state"
)

// Re-export core types for external use.
type (
	// Session holds the authenticated remote session.
	Session = auth.Session
	// Challenge is a pending 2FA verification request.
	Challenge = auth.Challenge
	// AuthState is the auth machine state.
	AuthState = auth.State
	// Client is the capability interface onto the Blink cloud service.
	Client = blinkapi.Client
	// Homescreen is the raw account state snapshot.
	Homescreen = blinkapi.Homescreen
	// CanonicalState is the reconciled system/camera state.
	CanonicalState = state.CanonicalState
	// SystemState is the canonical armed/disarmed state.
	SystemState = state.SystemState
	// Event represents a state change event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// SnapshotJob correlates a capture request with its completion.
	SnapshotJob = dispatcher.SnapshotJob
)

// Auth state constants.
const (
	StateUnauthenticated = auth.StateUnauthenticated
	StateAuthenticating  = auth.StateAuthenticating
	StatePending2FA      = auth.StatePending2FA
	StateAuthenticated   = auth.StateAuthenticated
	StateExpired         = auth.StateExpired
)

// System state constants.
const (
	SystemArmedAway = state.SystemArmedAway
	SystemDisarmed  = state.SystemDisarmed
)

// Event type constants.
const (
	EventAuthState    = state.EventAuthState
	EventStateChanged = state.EventStateChanged
	EventSnapshotDone = state.EventSnapshotDone
	EventDegraded     = state.EventDegraded
	EventWarning      = state.EventWarning
	EventDebug        = state.EventDebug
)
