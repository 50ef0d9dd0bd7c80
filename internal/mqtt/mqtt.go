// Package mqtt provides MQTT publishing for Home Assistant integration.
// It defines the Publisher interface and includes both a StubPublisher (no-op)
// and a full HAPublisher that connects to an MQTT broker, publishes HA
// auto-discovery configs, relays arm/disarm and snapshot commands to the
// dispatcher, and forwards state updates from the EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/trymwestin/blinkd/internal/core/state"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

// Ensure StubPublisher implements Publisher.
var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds MQTT publisher configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	TopicPrefix     string
	DiscoveryPrefix string
	DeviceID        string
}

// ---------------------------------------------------------------------------
// CommandHandler – abstraction over the dispatcher
// ---------------------------------------------------------------------------

// CommandHandler executes commands received from the bus without this package
// importing the dispatcher directly.
type CommandHandler interface {
	Arm(ctx context.Context, armed bool) error
	Snap(ctx context.Context, camera string) (string, error)
}

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

// Ensure HAPublisher implements Publisher at compile time.
var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs, subscribes to
// command topics and relays commands to the dispatcher, and forwards state
// updates from the EventBus.
type HAPublisher struct {
	cfg   Config
	cmd   CommandHandler
	store state.Reader
	bus   *state.EventBus
	log   *slog.Logger

	client pahomqtt.Client

	unsub func() // EventBus unsubscribe
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg Config, cmd CommandHandler, store state.Reader, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "blink"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "blink_hub"
	}
	return &HAPublisher{
		cfg:   cfg,
		cmd:   cmd,
		store: store,
		bus:   bus,
		log:   log,
		stopC: make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker, publishes discovery configs, subscribes
// to command topics, publishes initial state, and starts listening on the
// EventBus for real-time updates.
func (p *HAPublisher) Start(_ context.Context) error {
	availTopic := p.topic("status")

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(fmt.Sprintf("blinkd-%s", p.cfg.DeviceID)).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	// Subscribe to EventBus.
	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop gracefully disconnects from the MQTT broker and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	close(p.stopC)

	if p.unsub != nil {
		p.unsub()
	}

	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		// Publish offline before disconnecting.
		p.publish(p.topic("status"), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	// 1. Publish online availability (retained).
	p.publish(p.topic("status"), "online", true)

	// 2. Publish all discovery configs.
	p.publishDiscovery()

	// 3. Subscribe to command topics.
	p.subscribeCommands()

	// 4. Subscribe to HA birth topic for re-discovery.
	p.client.Subscribe(p.cfg.DiscoveryPrefix+"/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.publishDiscovery()
			p.publishFullState()
		}
	})

	// 5. Publish a full state resync.
	p.publishFullState()
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

func (p *HAPublisher) publishDiscovery() {
	var cameras []string
	if cs, ok := p.store.Canonical(); ok {
		for name := range cs.Cameras {
			cameras = append(cameras, name)
		}
	}

	for _, msg := range discoveryMessages(p.cfg.DiscoveryPrefix, p.cfg.TopicPrefix, p.cfg.DeviceID, cameras) {
		data, err := json.Marshal(msg.Payload)
		if err != nil {
			p.log.Error("failed to marshal discovery config", "topic", msg.Topic, "error", err)
			continue
		}
		p.publish(msg.Topic, string(data), true)
	}
}

// ---------------------------------------------------------------------------
// Command subscriptions
// ---------------------------------------------------------------------------

func (p *HAPublisher) subscribeCommands() {
	cmds := map[string]pahomqtt.MessageHandler{
		p.topic("command"):       p.handleArmCmd,
		p.topic("camera/+/snap"): p.handleSnapCmd,
	}

	for t, h := range cmds {
		token := p.client.Subscribe(t, 1, h)
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Error("failed to subscribe to command topic", "topic", t, "error", err)
		}
	}
}

func (p *HAPublisher) handleArmCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	payload := strings.ToUpper(strings.TrimSpace(string(msg.Payload())))

	var armed bool
	switch payload {
	case "ARM", "ARM_AWAY":
		armed = true
	case "DISARM":
		armed = false
	default:
		p.log.Warn("unknown arm command payload", "payload", payload)
		return
	}

	p.log.Info("MQTT command: arm", "armed", armed)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.cmd.Arm(ctx, armed); err != nil {
		p.log.Error("failed to execute arm command", "error", err)
	}
}

func (p *HAPublisher) handleSnapCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	if !strings.EqualFold(strings.TrimSpace(string(msg.Payload())), "PRESS") {
		return
	}

	// Topic shape: {prefix}/camera/{name}/snap
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 4 {
		p.log.Warn("malformed snapshot topic", "topic", msg.Topic())
		return
	}
	camera := parts[len(parts)-2]

	p.log.Info("MQTT command: snapshot", "camera", camera)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := p.cmd.Snap(ctx, camera); err != nil {
		p.log.Error("failed to trigger snapshot", "camera", camera, "error", err)
	}
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

// publishFullState republishes the complete canonical state snapshot.
func (p *HAPublisher) publishFullState() {
	cs, ok := p.store.Canonical()
	if !ok {
		return
	}
	p.publishUpdate(state.Update{State: cs, Full: true})
}

// publishUpdate publishes only the fields the update flags as changed, or
// everything when the update is a forced full resync.
func (p *HAPublisher) publishUpdate(u state.Update) {
	if u.Full || u.Diff.System {
		p.publish(p.topic("state"), string(u.State.System), true)
	}

	for name, cam := range u.State.Cameras {
		cd, changed := u.Diff.Cameras[name]
		if u.Full {
			cd = state.CameraDiff{Online: true, Temperature: true, Thumbnail: true}
		} else if !changed {
			continue
		}
		clean := state.CleanName(name)

		if cd.Online {
			p.publish(p.topic("camera/"+clean+"/online"), boolToOnOff(cam.Online), true)
		}
		if cd.Temperature && cam.Temperature != nil {
			p.publish(p.topic("sensor/"+clean+"/temp"), strconv.FormatFloat(*cam.Temperature, 'f', -1, 64), true)
		}
		if cd.Thumbnail && cam.Thumbnail != "" {
			p.publish(p.topic("camera/"+clean+"/thumbnail"), cam.Thumbnail, true)
		}
	}
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventStateChanged:
		update, ok := evt.Data.(state.Update)
		if !ok {
			p.log.Warn("unexpected data type for state_changed")
			return
		}
		if update.Full {
			// New session or forced resync: cameras may be new, refresh
			// discovery before their state topics fill in.
			p.publishDiscovery()
		}
		p.publishUpdate(update)

	case state.EventAuthState:
		authState, ok := evt.Data.(string)
		if !ok {
			p.log.Warn("unexpected data type for auth_state")
			return
		}
		p.publish(p.topic("bridge/auth"), authState, true)
		if authState == "authenticated" {
			p.publishDiscovery()
			p.publishFullState()
		}

	case state.EventSnapshotDone:
		res, ok := evt.Data.(state.SnapshotResult)
		if !ok {
			p.log.Warn("unexpected data type for snapshot_done")
			return
		}
		p.publish(p.topic("camera/"+state.CleanName(res.Camera)+"/thumbnail"), res.Image, true)

	case state.EventWarning:
		if msg, ok := evt.Data.(string); ok {
			p.publish(p.topic("bridge/warning"), msg, false)
		}

	case state.EventDegraded:
		if msg, ok := evt.Data.(string); ok {
			p.publish(p.topic("bridge/degraded"), msg, false)
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topic builds a full topic path: {prefix}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s", p.cfg.TopicPrefix, suffix)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
