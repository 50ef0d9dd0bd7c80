// Package dispatcher executes bus commands against the remote service:
// arm/disarm with poll-confirmed publishing, and snapshot capture tracked as
// bounded jobs. Command failures surface as warning events, never as errors
// that halt the bridge.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trymwestin/blinkd/internal/core/auth"
	"github.com/trymwestin/blinkd/internal/core/blinkapi"
	"github.com/trymwestin/blinkd/internal/core/state"
)

// JobState is the lifecycle state of a snapshot job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// SnapshotJob correlates a capture request with its eventual completion.
// Every job reaches completed or failed before its deadline passes.
type SnapshotJob struct {
	ID       string    `json:"id"`
	Camera   string    `json:"camera"`
	IssuedAt time.Time `json:"issued_at"`
	Deadline time.Time `json:"deadline"`
	State    JobState  `json:"state"`
	Image    string    `json:"image,omitempty"`
	Err      string    `json:"error,omitempty"`
}

// ConfirmPoller runs a poll cycle on demand. Confirmation waits are just
// extra poll cycles; the dispatcher never fetches the homescreen itself.
type ConfirmPoller interface {
	PollOnce(ctx context.Context)
}

// ImageSaver stores a captured snapshot and returns its serving reference.
type ImageSaver interface {
	Save(camera string, data []byte) (string, error)
}

// Config bounds command confirmation and snapshot jobs.
type Config struct {
	SnapshotTimeout time.Duration
	ConfirmAttempts int
	ConfirmDelay    time.Duration
}

// Dispatcher executes arm/disarm and snapshot commands.
type Dispatcher struct {
	api    blinkapi.Client
	auth   *auth.Manager
	store  *state.SnapshotStore
	bus    *state.EventBus
	poller ConfirmPoller
	images ImageSaver
	cfg    Config
	log    *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	jobsMu sync.Mutex
	jobs   map[string]*SnapshotJob
	wg     sync.WaitGroup
}

// New creates a dispatcher. Background jobs live until Stop is called.
func New(api blinkapi.Client, authMgr *auth.Manager, store *state.SnapshotStore, bus *state.EventBus, poller ConfirmPoller, images ImageSaver, cfg Config, log *slog.Logger) *Dispatcher {
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = 30 * time.Second
	}
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = 3
	}
	if cfg.ConfirmDelay <= 0 {
		cfg.ConfirmDelay = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		api:     api,
		auth:    authMgr,
		store:   store,
		bus:     bus,
		poller:  poller,
		images:  images,
		cfg:     cfg,
		log:     log,
		baseCtx: ctx,
		cancel:  cancel,
		jobs:    make(map[string]*SnapshotJob),
	}
}

// Stop abandons in-flight snapshot jobs, marking them failed without waiting.
func (d *Dispatcher) Stop() {
	d.cancel()

	d.jobsMu.Lock()
	defer d.jobsMu.Unlock()
	for _, job := range d.jobs {
		if job.State == JobPending {
			job.State = JobFailed
			job.Err = "abandoned at shutdown"
		}
	}
}

// Jobs returns a copy of all tracked snapshot jobs for the debug view.
func (d *Dispatcher) Jobs() []SnapshotJob {
	d.jobsMu.Lock()
	defer d.jobsMu.Unlock()

	out := make([]SnapshotJob, 0, len(d.jobs))
	for _, job := range d.jobs {
		out = append(out, *job)
	}
	return out
}

// Arm arms or disarms every known network. It does not publish the new state
// optimistically: confirmation comes from follow-up poll cycles, so the state
// topic only ever carries what the service actually reports.
func (d *Dispatcher) Arm(ctx context.Context, armed bool) error {
	creds, err := d.auth.Credentials()
	if err != nil {
		d.log.Info("arm command ignored: not authenticated", "armed", armed)
		return nil
	}

	raw, _ := d.store.Raw()
	if raw == nil || len(raw.Networks) == 0 {
		return fmt.Errorf("dispatcher: arm: no known networks yet")
	}

	for _, n := range raw.Networks {
		if _, err := d.api.SetArmed(ctx, creds, n.ID, armed); err != nil {
			var authErr *blinkapi.AuthError
			if errors.As(err, &authErr) {
				d.auth.Expire()
			}
			return fmt.Errorf("dispatcher: arm network %d: %w", n.ID, err)
		}
	}

	want := state.SystemDisarmed
	if armed {
		want = state.SystemArmedAway
	}
	d.log.Info("arm command issued, awaiting confirmation", "want", string(want))

	d.wg.Add(1)
	go d.confirmArm(want)
	return nil
}

// confirmArm runs a bounded number of immediate follow-up polls until the
// canonical state reflects the command. Remote propagation is asynchronous;
// if it outlasts the attempts, the regular cycle will still pick it up and a
// warning is published meanwhile.
func (d *Dispatcher) confirmArm(want state.SystemState) {
	defer d.wg.Done()

	for i := 0; i < d.cfg.ConfirmAttempts; i++ {
		select {
		case <-d.baseCtx.Done():
			return
		case <-time.After(d.cfg.ConfirmDelay):
		}

		d.poller.PollOnce(d.baseCtx)

		if cs, ok := d.store.Canonical(); ok && cs.System == want {
			d.log.Info("arm command confirmed", "state", string(want), "polls", i+1)
			return
		}
	}

	msg := fmt.Sprintf("arm command not confirmed after %d polls, waiting for regular cycle", d.cfg.ConfirmAttempts)
	d.log.Warn(msg)
	d.bus.Publish(state.Event{Type: state.EventWarning, Data: msg})
}

// Snap triggers a snapshot for the named camera and returns the job ID. The
// name may be the display name or its cleaned topic form.
func (d *Dispatcher) Snap(ctx context.Context, cameraName string) (string, error) {
	creds, err := d.auth.Credentials()
	if err != nil {
		d.log.Info("snapshot command ignored: not authenticated", "camera", cameraName)
		return "", nil
	}

	raw, _ := d.store.Raw()
	if raw == nil {
		return "", fmt.Errorf("dispatcher: snapshot: no snapshot of cameras yet")
	}

	var cam *blinkapi.Camera
	for i := range raw.Cameras {
		c := &raw.Cameras[i]
		if c.Name == cameraName || state.CleanName(c.Name) == cameraName {
			cam = c
			break
		}
	}
	if cam == nil {
		return "", fmt.Errorf("dispatcher: snapshot: unknown camera %q", cameraName)
	}

	now := time.Now()
	job := &SnapshotJob{
		ID:       uuid.NewString(),
		Camera:   cam.Name,
		IssuedAt: now,
		Deadline: now.Add(d.cfg.SnapshotTimeout),
		State:    JobPending,
	}

	d.jobsMu.Lock()
	d.jobs[job.ID] = job
	d.jobsMu.Unlock()

	d.log.Info("snapshot job created", "job_id", job.ID, "camera", cam.Name, "deadline", job.Deadline)

	d.wg.Add(1)
	go d.runSnapshotJob(*cam, creds, job.ID)

	return job.ID, nil
}

func (d *Dispatcher) runSnapshotJob(cam blinkapi.Camera, creds blinkapi.Credentials, jobID string) {
	defer d.wg.Done()

	deadline := d.jobDeadline(jobID)
	ctx, cancel := context.WithDeadline(d.baseCtx, deadline)
	defer cancel()

	cmdID, err := d.api.TriggerSnapshot(ctx, creds, cam.NetworkID, cam.ID)
	if err != nil {
		d.failJob(jobID, fmt.Sprintf("trigger failed: %v", err))
		return
	}

	if !d.awaitCommand(ctx, creds, cam.NetworkID, cmdID) {
		d.failJob(jobID, "capture not confirmed before deadline")
		return
	}

	// Refresh the snapshot so the camera carries its new thumbnail reference.
	d.poller.PollOnce(ctx)

	thumb := cam.Thumbnail
	if raw, _ := d.store.Raw(); raw != nil {
		for _, c := range raw.Cameras {
			if c.ID == cam.ID && c.Thumbnail != "" {
				thumb = c.Thumbnail
				break
			}
		}
	}
	if thumb == "" {
		d.failJob(jobID, "camera has no thumbnail reference")
		return
	}

	data, err := d.api.Thumbnail(ctx, creds, thumb)
	if err != nil {
		d.failJob(jobID, fmt.Sprintf("image fetch failed: %v", err))
		return
	}

	image, err := d.images.Save(cam.Name, data)
	if err != nil {
		d.failJob(jobID, fmt.Sprintf("image store failed: %v", err))
		return
	}

	d.jobsMu.Lock()
	if job, ok := d.jobs[jobID]; ok && job.State == JobPending {
		job.State = JobCompleted
		job.Image = image
	}
	d.jobsMu.Unlock()

	d.log.Info("snapshot job completed", "job_id", jobID, "camera", cam.Name, "image", image)
	d.bus.Publish(state.Event{Type: state.EventSnapshotDone, Data: state.SnapshotResult{Camera: cam.Name, Image: image}})
}

// awaitCommand polls the command status endpoint with backoff until the
// capture completes or the context deadline cancels the wait.
func (d *Dispatcher) awaitCommand(ctx context.Context, creds blinkapi.Credentials, networkID, cmdID int64) bool {
	backoff := 2 * time.Second
	const maxBackoff = 8 * time.Second

	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		st, err := d.api.CommandStatus(ctx, creds, networkID, cmdID)
		if err != nil {
			var authErr *blinkapi.AuthError
			if errors.As(err, &authErr) {
				d.auth.Expire()
				return false
			}
			// Transient: keep polling until the deadline says otherwise.
			d.log.Debug("command status check failed", "command_id", cmdID, "error", err)
		} else if st.Complete {
			return true
		}

		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (d *Dispatcher) jobDeadline(jobID string) time.Time {
	d.jobsMu.Lock()
	defer d.jobsMu.Unlock()
	if job, ok := d.jobs[jobID]; ok {
		return job.Deadline
	}
	return time.Now().Add(d.cfg.SnapshotTimeout)
}

// failJob marks a job failed and publishes a non-fatal warning. No thumbnail
// update happens for a failed job.
func (d *Dispatcher) failJob(jobID, reason string) {
	d.jobsMu.Lock()
	job, ok := d.jobs[jobID]
	if !ok || job.State != JobPending {
		d.jobsMu.Unlock()
		return
	}
	job.State = JobFailed
	job.Err = reason
	camera := job.Camera
	d.jobsMu.Unlock()

	msg := fmt.Sprintf("snapshot for %q failed: %s", camera, reason)
	d.log.Warn(msg, "job_id", jobID)
	d.bus.Publish(state.Event{Type: state.EventWarning, Data: msg})
}
