// Package auth owns the remote session. It drives login, the interactive 2FA
// challenge, session resume on startup, and expiry, and is the only component
// allowed to mutate session state. Every transition is published on the event
// bus so the dashboard can render prompts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/blinkd/internal/core/blinkapi"
	"github.com/trymwestin/blinkd/internal/core/state"
)

// State is the auth machine state.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StatePending2FA      State = "pending_2fa"
	StateAuthenticated   State = "authenticated"
	StateExpired         State = "expired"
)

// Session holds the authenticated remote session.
type Session struct {
	AccountID     int64     `json:"account_id"`
	ClientID      int64     `json:"client_id"`
	Tier          string    `json:"tier"`
	Token         string    `json:"token"`
	DeviceTrusted bool      `json:"device_trusted"`
	IssuedAt      time.Time `json:"issued_at"`
}

// Credentials returns the wire credentials for this session.
func (s Session) Credentials() blinkapi.Credentials {
	return blinkapi.Credentials{
		AccountID: s.AccountID,
		ClientID:  s.ClientID,
		Tier:      s.Tier,
		Token:     s.Token,
	}
}

// Challenge is a pending 2FA verification request. It exists only while the
// machine is in pending_2fa.
type Challenge struct {
	Channel  string    `json:"channel"`
	IssuedAt time.Time `json:"issued_at"`
	Retries  int       `json:"retries"`
}

var (
	// ErrNotAuthenticated gates remote calls made outside an authenticated
	// session. Callers must not retry; they wait for a re-auth transition.
	ErrNotAuthenticated = errors.New("auth: not authenticated")
	// ErrNoSession is returned by Resume when no stored session exists.
	ErrNoSession = errors.New("auth: no stored session")
	// ErrNoChallenge is returned by SubmitCode outside pending_2fa.
	ErrNoChallenge = errors.New("auth: no pending challenge")
	// ErrCodeRejected is returned when a 2FA code is rejected but retries remain.
	ErrCodeRejected = errors.New("auth: verification code rejected")
	// ErrTooManyAttempts is returned when the retry bound is exhausted.
	ErrTooManyAttempts = errors.New("auth: too many failed verification attempts")
)

// Manager is the auth state machine.
type Manager struct {
	api        blinkapi.Client
	store      Store
	bus        *state.EventBus
	maxRetries int
	log        *slog.Logger

	mu        sync.Mutex
	state     State
	session   *Session
	challenge *Challenge
}

// NewManager creates an auth manager in the unauthenticated state.
func NewManager(api blinkapi.Client, store Store, bus *state.EventBus, maxRetries int, log *slog.Logger) *Manager {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Manager{
		api:        api,
		store:      store,
		bus:        bus,
		maxRetries: maxRetries,
		log:        log,
		state:      StateUnauthenticated,
	}
}

// State returns the current machine state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the active session, if any.
func (m *Manager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// Challenge returns a copy of the pending challenge, if any.
func (m *Manager) Challenge() (Challenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.challenge == nil {
		return Challenge{}, false
	}
	return *m.challenge, true
}

// Credentials returns wire credentials for remote calls. It fails with
// ErrNotAuthenticated outside the authenticated state; callers must not
// retry until a re-auth transition has happened.
func (m *Manager) Credentials() (blinkapi.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated || m.session == nil {
		return blinkapi.Credentials{}, ErrNotAuthenticated
	}
	return m.session.Credentials(), nil
}

// Login starts a fresh login. On success without verification the machine
// lands in authenticated; if the service demands a code it lands in
// pending_2fa with a recorded challenge.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	m.mu.Lock()
	if m.state == StatePending2FA {
		m.mu.Unlock()
		return fmt.Errorf("auth: login while a verification challenge is pending")
	}
	m.setStateLocked(StateAuthenticating)
	m.mu.Unlock()

	resp, err := m.api.Login(ctx, email, password)
	if err != nil {
		m.mu.Lock()
		m.session = nil
		m.setStateLocked(StateUnauthenticated)
		m.mu.Unlock()
		return fmt.Errorf("auth: login: %w", err)
	}

	sess := &Session{
		AccountID: resp.Account.AccountID,
		ClientID:  resp.Account.ClientID,
		Tier:      resp.Account.Tier,
		Token:     resp.Auth.Token,
		IssuedAt:  time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = sess

	if resp.VerificationRequired() {
		m.challenge = &Challenge{Channel: resp.VerificationChannel(), IssuedAt: time.Now()}
		m.setStateLocked(StatePending2FA)
		m.log.Info("login requires verification", "channel", m.challenge.Channel)
		return nil
	}

	m.session.DeviceTrusted = true
	m.setStateLocked(StateAuthenticated)
	return m.persistLocked()
}

// SubmitCode submits a 2FA code for the pending challenge. A rejected code
// keeps the machine in pending_2fa until the retry bound is reached, at which
// point the challenge is cleared and the machine falls back to
// unauthenticated.
func (m *Manager) SubmitCode(ctx context.Context, code string) error {
	m.mu.Lock()
	if m.state != StatePending2FA || m.challenge == nil || m.session == nil {
		m.mu.Unlock()
		return ErrNoChallenge
	}
	creds := m.session.Credentials()
	m.mu.Unlock()

	resp, err := m.api.VerifyPin(ctx, creds, code)

	m.mu.Lock()
	defer m.mu.Unlock()

	// The machine may have moved on while the call was in flight.
	if m.state != StatePending2FA || m.challenge == nil {
		return ErrNoChallenge
	}

	rejected := false
	switch {
	case err != nil:
		var authErr *blinkapi.AuthError
		if !errors.As(err, &authErr) {
			// Transport trouble is not a failed attempt.
			return fmt.Errorf("auth: verify code: %w", err)
		}
		rejected = true
	case !resp.Valid:
		rejected = true
	}

	if rejected {
		m.challenge.Retries++
		m.log.Warn("verification code rejected", "retries", m.challenge.Retries, "max", m.maxRetries)
		if m.challenge.Retries >= m.maxRetries {
			m.challenge = nil
			m.session = nil
			m.setStateLocked(StateUnauthenticated)
			return ErrTooManyAttempts
		}
		return ErrCodeRejected
	}

	m.challenge = nil
	m.session.DeviceTrusted = true
	m.setStateLocked(StateAuthenticated)
	return m.persistLocked()
}

// Resume loads a persisted session on startup and validates it against the
// service, reaching authenticated without any user interaction. If the
// service rejects the stored session it is cleared and a fresh login is
// required.
func (m *Manager) Resume(ctx context.Context) error {
	sess, err := m.store.Load()
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrNoSession
	}

	if _, err := m.api.Homescreen(ctx, sess.Credentials()); err != nil {
		var authErr *blinkapi.AuthError
		if errors.As(err, &authErr) {
			m.log.Warn("stored session rejected, fresh login required")
			if clearErr := m.store.Clear(); clearErr != nil {
				m.log.Error("failed to clear rejected session", "error", clearErr)
			}
			m.mu.Lock()
			m.session = nil
			m.setStateLocked(StateUnauthenticated)
			m.mu.Unlock()
			return fmt.Errorf("auth: resume: %w", err)
		}
		// Transport trouble: keep the session and let the poller validate it
		// once the network is back.
		m.log.Warn("could not validate stored session, assuming it is good", "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = sess
	m.setStateLocked(StateAuthenticated)
	m.log.Info("session resumed", "account_id", sess.AccountID, "device_trusted", sess.DeviceTrusted)
	return nil
}

// Expire marks the session expired after the service rejected it mid-flight.
// Polling and commands are suppressed until re-authenticated.
func (m *Manager) Expire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated {
		return
	}
	m.log.Warn("session expired, re-authentication required")
	m.setStateLocked(StateExpired)
}

// Flush persists the active session; called on shutdown.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated || m.session == nil {
		return nil
	}
	return m.store.Save(m.session)
}

// setStateLocked transitions the machine and publishes the new state.
// Caller holds m.mu.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.log.Info("auth state transition", "from", string(m.state), "to", string(s))
	m.state = s
	m.bus.Publish(state.Event{Type: state.EventAuthState, Data: string(s)})
}

// persistLocked saves the session. Caller holds m.mu.
func (m *Manager) persistLocked() error {
	if err := m.store.Save(m.session); err != nil {
		m.log.Error("failed to persist session", "error", err)
		return err
	}
	return nil
}
