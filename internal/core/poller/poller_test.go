package poller

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/blinkd/internal/core/auth"
	"github.com/trymwestin/blinkd/internal/core/blinkapi"
	"github.com/trymwestin/blinkd/internal/core/state"
)

// fakeClient implements blinkapi.Client for testing.
type fakeClient struct {
	homescreenFunc  func(ctx context.Context, creds blinkapi.Credentials) (*blinkapi.Homescreen, error)
	homescreenCalls int
}

func (f *fakeClient) Login(context.Context, string, string) (*blinkapi.LoginResponse, error) {
	resp := &blinkapi.LoginResponse{}
	resp.Account.AccountID = 42
	resp.Auth.Token = "tok"
	return resp, nil
}

func (f *fakeClient) VerifyPin(context.Context, blinkapi.Credentials, string) (*blinkapi.VerifyPinResponse, error) {
	return &blinkapi.VerifyPinResponse{Valid: true}, nil
}

func (f *fakeClient) Homescreen(ctx context.Context, creds blinkapi.Credentials) (*blinkapi.Homescreen, error) {
	f.homescreenCalls++
	return f.homescreenFunc(ctx, creds)
}

func (f *fakeClient) SetArmed(context.Context, blinkapi.Credentials, int64, bool) (int64, error) {
	return 0, nil
}

func (f *fakeClient) TriggerSnapshot(context.Context, blinkapi.Credentials, int64, int64) (int64, error) {
	return 0, nil
}

func (f *fakeClient) CommandStatus(context.Context, blinkapi.Credentials, int64, int64) (*blinkapi.CommandStatus, error) {
	return &blinkapi.CommandStatus{Complete: true}, nil
}

func (f *fakeClient) Thumbnail(context.Context, blinkapi.Credentials, string) ([]byte, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func homescreenWith(armed bool) *blinkapi.Homescreen {
	return &blinkapi.Homescreen{
		Networks: []blinkapi.Network{{ID: 1, Name: "Home", Armed: armed}},
		Cameras:  []blinkapi.Camera{{ID: 100, NetworkID: 1, Name: "Front Door", Status: "done"}},
	}
}

type fixture struct {
	api    *fakeClient
	mgr    *auth.Manager
	store  *state.SnapshotStore
	bus    *state.EventBus
	poller *Poller
	events <-chan state.Event
}

func newFixture(t *testing.T, api *fakeClient, authenticate bool) *fixture {
	t.Helper()

	bus := state.NewEventBus(testLogger())
	credStore := auth.NewFileStore(filepath.Join(t.TempDir(), "credentials.json"))
	mgr := auth.NewManager(api, credStore, bus, 3, testLogger())
	store := state.NewSnapshotStore()

	if authenticate {
		require.NoError(t, mgr.Login(context.Background(), "user@example.com", "pw"))
	}

	evtCh, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)

	return &fixture{
		api:    api,
		mgr:    mgr,
		store:  store,
		bus:    bus,
		poller: New(api, mgr, store, bus, time.Minute, testLogger()),
		events: evtCh,
	}
}

// drain collects buffered events of one type; publishes are synchronous so
// everything a PollOnce produced is already in the channel.
func drain(ch <-chan state.Event, typ state.EventType) []state.Event {
	var out []state.Event
	for {
		select {
		case evt := <-ch:
			if evt.Type == typ {
				out = append(out, evt)
			}
		default:
			return out
		}
	}
}

func TestPollOnce_SkipsWhenUnauthenticated(t *testing.T) {
	api := &fakeClient{}
	fx := newFixture(t, api, false)

	fx.poller.PollOnce(context.Background())

	assert.Zero(t, api.homescreenCalls)
	assert.Empty(t, drain(fx.events, state.EventStateChanged))
}

func TestPollOnce_PublishesOnChangeOnly(t *testing.T) {
	api := &fakeClient{
		homescreenFunc: func(context.Context, blinkapi.Credentials) (*blinkapi.Homescreen, error) {
			return homescreenWith(false), nil
		},
	}
	fx := newFixture(t, api, true)

	// First cycle of the session is a forced full publish.
	fx.poller.PollOnce(context.Background())
	evts := drain(fx.events, state.EventStateChanged)
	require.Len(t, evts, 1)
	update := evts[0].Data.(state.Update)
	assert.True(t, update.Full)
	assert.Equal(t, state.SystemDisarmed, update.State.System)

	// An identical cycle publishes nothing.
	fx.poller.PollOnce(context.Background())
	assert.Empty(t, drain(fx.events, state.EventStateChanged))
	assert.Equal(t, 2, api.homescreenCalls)

	// A change publishes again, edge-triggered.
	api.homescreenFunc = func(context.Context, blinkapi.Credentials) (*blinkapi.Homescreen, error) {
		return homescreenWith(true), nil
	}
	fx.poller.PollOnce(context.Background())
	evts = drain(fx.events, state.EventStateChanged)
	require.Len(t, evts, 1)
	update = evts[0].Data.(state.Update)
	assert.False(t, update.Full)
	assert.True(t, update.Diff.System)
	assert.Equal(t, state.SystemArmedAway, update.State.System)
}

func TestPollOnce_ForceResync(t *testing.T) {
	api := &fakeClient{
		homescreenFunc: func(context.Context, blinkapi.Credentials) (*blinkapi.Homescreen, error) {
			return homescreenWith(false), nil
		},
	}
	fx := newFixture(t, api, true)

	fx.poller.PollOnce(context.Background())
	drain(fx.events, state.EventStateChanged)

	fx.poller.ForceResync()
	fx.poller.PollOnce(context.Background())

	evts := drain(fx.events, state.EventStateChanged)
	require.Len(t, evts, 1)
	assert.True(t, evts[0].Data.(state.Update).Full)
}

func TestPollOnce_AuthErrorExpiresSession(t *testing.T) {
	api := &fakeClient{
		homescreenFunc: func(context.Context, blinkapi.Credentials) (*blinkapi.Homescreen, error) {
			return nil, &blinkapi.AuthError{Op: "homescreen", StatusCode: http.StatusUnauthorized}
		},
	}
	fx := newFixture(t, api, true)

	fx.poller.PollOnce(context.Background())
	assert.Equal(t, auth.StateExpired, fx.mgr.State())
	assert.Equal(t, 1, api.homescreenCalls)

	// Polling is suppressed until re-authenticated.
	fx.poller.PollOnce(context.Background())
	assert.Equal(t, 1, api.homescreenCalls)
}

func TestPollOnce_TransientErrorRetriesNextCycle(t *testing.T) {
	api := &fakeClient{
		homescreenFunc: func(context.Context, blinkapi.Credentials) (*blinkapi.Homescreen, error) {
			return nil, &blinkapi.TransientError{Op: "homescreen", Err: context.DeadlineExceeded}
		},
	}
	fx := newFixture(t, api, true)

	fx.poller.PollOnce(context.Background())
	assert.Equal(t, auth.StateAuthenticated, fx.mgr.State())
	assert.Empty(t, drain(fx.events, state.EventStateChanged))

	// Next cycle still tries.
	fx.poller.PollOnce(context.Background())
	assert.Equal(t, 2, api.homescreenCalls)
}

func TestPollOnce_RateLimitCooldown(t *testing.T) {
	api := &fakeClient{
		homescreenFunc: func(context.Context, blinkapi.Credentials) (*blinkapi.Homescreen, error) {
			return nil, &blinkapi.RateLimitError{Op: "homescreen", RetryAfter: 5 * time.Minute}
		},
	}
	fx := newFixture(t, api, true)

	now := time.Now()
	fx.poller.now = func() time.Time { return now }

	fx.poller.PollOnce(context.Background())
	assert.Equal(t, 1, api.homescreenCalls)
	assert.NotEmpty(t, drain(fx.events, state.EventDegraded))

	// Within the cooldown the cycle is skipped entirely.
	fx.poller.PollOnce(context.Background())
	assert.Equal(t, 1, api.homescreenCalls)

	// Once the cooldown passes, polling resumes.
	fx.poller.now = func() time.Time { return now.Add(6 * time.Minute) }
	fx.poller.PollOnce(context.Background())
	assert.Equal(t, 2, api.homescreenCalls)
}

func TestPollOnce_ReconcileFailureKeepsPriorState(t *testing.T) {
	api := &fakeClient{
		homescreenFunc: func(context.Context, blinkapi.Credentials) (*blinkapi.Homescreen, error) {
			return homescreenWith(true), nil
		},
	}
	fx := newFixture(t, api, true)

	fx.poller.PollOnce(context.Background())
	drain(fx.events, state.EventStateChanged)

	// A snapshot with no networks cannot be reconciled.
	api.homescreenFunc = func(context.Context, blinkapi.Credentials) (*blinkapi.Homescreen, error) {
		return &blinkapi.Homescreen{}, nil
	}
	fx.poller.PollOnce(context.Background())

	assert.Empty(t, drain(fx.events, state.EventStateChanged))
	assert.NotEmpty(t, drain(fx.events, state.EventDebug))

	cs, ok := fx.store.Canonical()
	require.True(t, ok)
	assert.Equal(t, state.SystemArmedAway, cs.System)
}
