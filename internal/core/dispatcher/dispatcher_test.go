package dispatcher

import (
	"context"
	"io"
	"log/slog"
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
	setArmedFunc  func(ctx context.Context, creds blinkapi.Credentials, networkID int64, armed bool) (int64, error)
	cmdStatusFunc func(ctx context.Context, creds blinkapi.Credentials, networkID, cmdID int64) (*blinkapi.CommandStatus, error)
	thumbnailFunc func(ctx context.Context, creds blinkapi.Credentials, path string) ([]byte, error)

	setArmedNetworks []int64
	triggerCalls     int
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

func (f *fakeClient) Homescreen(context.Context, blinkapi.Credentials) (*blinkapi.Homescreen, error) {
	return &blinkapi.Homescreen{}, nil
}

func (f *fakeClient) SetArmed(ctx context.Context, creds blinkapi.Credentials, networkID int64, armed bool) (int64, error) {
	f.setArmedNetworks = append(f.setArmedNetworks, networkID)
	if f.setArmedFunc != nil {
		return f.setArmedFunc(ctx, creds, networkID, armed)
	}
	return 900, nil
}

func (f *fakeClient) TriggerSnapshot(context.Context, blinkapi.Credentials, int64, int64) (int64, error) {
	f.triggerCalls++
	return 901, nil
}

func (f *fakeClient) CommandStatus(ctx context.Context, creds blinkapi.Credentials, networkID, cmdID int64) (*blinkapi.CommandStatus, error) {
	if f.cmdStatusFunc != nil {
		return f.cmdStatusFunc(ctx, creds, networkID, cmdID)
	}
	return &blinkapi.CommandStatus{ID: cmdID, Complete: true, Status: "done"}, nil
}

func (f *fakeClient) Thumbnail(ctx context.Context, creds blinkapi.Credentials, path string) ([]byte, error) {
	if f.thumbnailFunc != nil {
		return f.thumbnailFunc(ctx, creds, path)
	}
	return []byte("jpeg-bytes"), nil
}

// fakePoller stands in for the real poller during confirmation waits.
type fakePoller struct {
	pollFunc func(ctx context.Context)
	calls    int
}

func (p *fakePoller) PollOnce(ctx context.Context) {
	p.calls++
	if p.pollFunc != nil {
		p.pollFunc(ctx)
	}
}

// fakeSaver records stored images.
type fakeSaver struct {
	camera string
	data   []byte
	calls  int
}

func (s *fakeSaver) Save(camera string, data []byte) (string, error) {
	s.calls++
	s.camera = camera
	s.data = data
	return state.CleanName(camera) + ".jpg", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedHomescreen() *blinkapi.Homescreen {
	return &blinkapi.Homescreen{
		Networks: []blinkapi.Network{{ID: 1, Name: "Home"}, {ID: 2, Name: "Cabin"}},
		Cameras: []blinkapi.Camera{
			{ID: 100, NetworkID: 1, Name: "Front Door", Status: "done", Thumbnail: "/thumb/100"},
		},
	}
}

type fixture struct {
	api    *fakeClient
	mgr    *auth.Manager
	store  *state.SnapshotStore
	bus    *state.EventBus
	poll   *fakePoller
	saver  *fakeSaver
	disp   *Dispatcher
	events <-chan state.Event
}

func newFixture(t *testing.T, api *fakeClient, cfg Config, authenticate bool) *fixture {
	t.Helper()

	bus := state.NewEventBus(testLogger())
	credStore := auth.NewFileStore(filepath.Join(t.TempDir(), "credentials.json"))
	mgr := auth.NewManager(api, credStore, bus, 3, testLogger())
	store := state.NewSnapshotStore()
	poll := &fakePoller{}
	saver := &fakeSaver{}

	if authenticate {
		require.NoError(t, mgr.Login(context.Background(), "user@example.com", "pw"))
	}
	store.SetRaw(seedHomescreen())

	evtCh, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)

	disp := New(api, mgr, store, bus, poll, saver, cfg, testLogger())
	t.Cleanup(disp.Stop)

	return &fixture{api: api, mgr: mgr, store: store, bus: bus, poll: poll, saver: saver, disp: disp, events: evtCh}
}

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

func TestArm_IgnoredWhenUnauthenticated(t *testing.T) {
	api := &fakeClient{}
	fx := newFixture(t, api, Config{}, false)

	require.NoError(t, fx.disp.Arm(context.Background(), true))
	assert.Empty(t, api.setArmedNetworks)
}

func TestArm_ConfirmedByFollowUpPoll(t *testing.T) {
	api := &fakeClient{}
	fx := newFixture(t, api, Config{ConfirmAttempts: 3, ConfirmDelay: 5 * time.Millisecond}, true)

	// The confirming poll is what makes the new state visible; the dispatcher
	// itself never writes or publishes canonical state.
	fx.poll.pollFunc = func(context.Context) {
		fx.store.SetCanonical(state.CanonicalState{System: state.SystemArmedAway})
	}

	require.NoError(t, fx.disp.Arm(context.Background(), true))
	fx.disp.wg.Wait()

	assert.Equal(t, []int64{1, 2}, api.setArmedNetworks)
	assert.Equal(t, 1, fx.poll.calls)
	assert.Empty(t, drain(fx.events, state.EventWarning))
	assert.Empty(t, drain(fx.events, state.EventStateChanged))
}

func TestArm_UnconfirmedPublishesWarning(t *testing.T) {
	api := &fakeClient{}
	fx := newFixture(t, api, Config{ConfirmAttempts: 2, ConfirmDelay: 5 * time.Millisecond}, true)

	// Polls never observe the wanted state.
	require.NoError(t, fx.disp.Arm(context.Background(), true))
	fx.disp.wg.Wait()

	assert.Equal(t, 2, fx.poll.calls)
	assert.NotEmpty(t, drain(fx.events, state.EventWarning))
}

func TestArm_NoKnownNetworks(t *testing.T) {
	api := &fakeClient{}
	fx := newFixture(t, api, Config{}, true)
	fx.store.SetRaw(&blinkapi.Homescreen{})

	assert.Error(t, fx.disp.Arm(context.Background(), true))
}

func TestArm_AuthErrorExpiresSession(t *testing.T) {
	api := &fakeClient{
		setArmedFunc: func(context.Context, blinkapi.Credentials, int64, bool) (int64, error) {
			return 0, &blinkapi.AuthError{Op: "arm", StatusCode: 401}
		},
	}
	fx := newFixture(t, api, Config{}, true)

	assert.Error(t, fx.disp.Arm(context.Background(), true))
	assert.Equal(t, auth.StateExpired, fx.mgr.State())
}

func TestSnap_IgnoredWhenUnauthenticated(t *testing.T) {
	api := &fakeClient{}
	fx := newFixture(t, api, Config{}, false)

	jobID, err := fx.disp.Snap(context.Background(), "Front Door")
	require.NoError(t, err)
	assert.Empty(t, jobID)
	assert.Empty(t, fx.disp.Jobs())
}

func TestSnap_UnknownCamera(t *testing.T) {
	api := &fakeClient{}
	fx := newFixture(t, api, Config{}, true)

	_, err := fx.disp.Snap(context.Background(), "Attic")
	assert.Error(t, err)
}

func TestSnap_CompletesJob(t *testing.T) {
	api := &fakeClient{}
	fx := newFixture(t, api, Config{}, true)

	// The topic-form name must resolve to the same camera.
	jobID, err := fx.disp.Snap(context.Background(), "front_door")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	fx.disp.wg.Wait()

	jobs := fx.disp.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobCompleted, jobs[0].State)
	assert.Equal(t, "front_door.jpg", jobs[0].Image)
	assert.Equal(t, "Front Door", jobs[0].Camera)

	assert.Equal(t, 1, api.triggerCalls)
	assert.Equal(t, 1, fx.saver.calls)
	assert.Equal(t, []byte("jpeg-bytes"), fx.saver.data)

	done := drain(fx.events, state.EventSnapshotDone)
	require.Len(t, done, 1)
	res := done[0].Data.(state.SnapshotResult)
	assert.Equal(t, "Front Door", res.Camera)
	assert.Equal(t, "front_door.jpg", res.Image)
}

func TestSnap_DeadlineFailsJob(t *testing.T) {
	api := &fakeClient{
		cmdStatusFunc: func(_ context.Context, _ blinkapi.Credentials, _, cmdID int64) (*blinkapi.CommandStatus, error) {
			return &blinkapi.CommandStatus{ID: cmdID, Complete: false, Status: "running"}, nil
		},
	}
	fx := newFixture(t, api, Config{SnapshotTimeout: 100 * time.Millisecond}, true)

	jobID, err := fx.disp.Snap(context.Background(), "Front Door")
	require.NoError(t, err)

	fx.disp.wg.Wait()

	jobs := fx.disp.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, jobID, jobs[0].ID)
	assert.Equal(t, JobFailed, jobs[0].State)
	assert.NotEmpty(t, jobs[0].Err)

	// No image was stored and no completion event fired, only a warning.
	assert.Zero(t, fx.saver.calls)
	assert.Empty(t, drain(fx.events, state.EventSnapshotDone))
	assert.NotEmpty(t, drain(fx.events, state.EventWarning))
}

func TestStop_AbandonsPendingJobs(t *testing.T) {
	api := &fakeClient{
		cmdStatusFunc: func(_ context.Context, _ blinkapi.Credentials, _, cmdID int64) (*blinkapi.CommandStatus, error) {
			return &blinkapi.CommandStatus{ID: cmdID, Complete: false}, nil
		},
	}
	fx := newFixture(t, api, Config{SnapshotTimeout: time.Minute}, true)

	_, err := fx.disp.Snap(context.Background(), "Front Door")
	require.NoError(t, err)

	fx.disp.Stop()

	jobs := fx.disp.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobFailed, jobs[0].State)
	assert.NotEmpty(t, jobs[0].Err)
}
