package signmqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/signpost-core/internal/broadcast"
	"github.com/nerrad567/signpost-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/signpost-core/internal/sign"
)

// subscriberName identifies the bridge in hub logs and stats.
const subscriberName = "mqtt-bridge"

// resubscribeDelay spaces out resubscriptions, so a stopped hub that
// hands back closed subscriptions cannot spin the forwarding loop.
const resubscribeDelay = 250 * time.Millisecond

// MQTTClient is the subset of *mqtt.Client the bridge needs.
type MQTTClient interface {
	PublishJSON(topic string, v any, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Registry is the subset of *sign.Registry the bridge needs.
type Registry interface {
	ReportStatus(ctx context.Context, id string, report sign.StatusReport) (*sign.Sign, error)
	ListAll(ctx context.Context) []sign.Sign
}

// Hub is the subset of *broadcast.Hub the bridge needs.
type Hub interface {
	Subscribe(name string, replay func() []any) *broadcast.Subscription
	Unsubscribe(sub *broadcast.Subscription)
}

// Logger is the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Bridge.
type Options struct {
	Client   MQTTClient
	Registry Registry
	Hub      Hub
	Logger   Logger // optional
	QoS      byte   // telemetry subscription; publishes use the client's QoS
}

// commandPayload is the body of signpost/sign/{id}/command.
type commandPayload struct {
	Command sign.Mode `json:"command"`
}

// frameType peeks at a hub frame's type field.
type frameType struct {
	Type string `json:"type"`
}

// Bridge connects the registry and hub to MQTT.
//
// Thread Safety: Start and Stop may be called from any goroutine; the
// forwarding loop is the only writer of the command cache.
type Bridge struct {
	client   MQTTClient
	registry Registry
	hub      Hub
	logger   Logger
	qos      byte

	// lastCommand suppresses republishing an unchanged retained command
	// on every telemetry snapshot.
	lastCommand map[string]sign.Mode

	resync   chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a bridge. Call Start to begin operation.
func New(opts Options) (*Bridge, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("sign registry is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("broadcast hub is required")
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		client:      opts.Client,
		registry:    opts.Registry,
		hub:         opts.Hub,
		logger:      opts.Logger,
		qos:         opts.QoS,
		lastCommand: make(map[string]sign.Mode),
		resync:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start subscribes to device telemetry and begins mirroring hub events.
// The hub replay publishes the current state of every sign.
func (b *Bridge) Start() error {
	topic := mqtt.Topics{}.AllSignStatus()
	if err := b.client.Subscribe(topic, b.qos, b.handleStatus); err != nil {
		return fmt.Errorf("subscribe to sign telemetry: %w", err)
	}
	b.logger.Info("subscribed to sign telemetry", "topic", topic)

	sub := b.subscribe()
	b.wg.Add(1)
	go b.forward(sub)

	b.logger.Info("mqtt bridge started")
	return nil
}

// Stop halts forwarding. Retained messages stay on the broker.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.cancel()
		b.wg.Wait()
		b.logger.Info("mqtt bridge stopped")
	})
}

// Resync republishes every sign's retained state. Suitable as an MQTT
// on-connect callback: it only schedules the work and never blocks.
func (b *Bridge) Resync() {
	select {
	case b.resync <- struct{}{}:
	default:
	}
}

func (b *Bridge) subscribe() *broadcast.Subscription {
	return b.hub.Subscribe(subscriberName, b.snapshot)
}

func (b *Bridge) snapshot() []any {
	signs := b.registry.ListAll(b.ctx)
	events := make([]any, len(signs))
	for i := range signs {
		events[i] = sign.NewUpdateEvent(&signs[i])
	}
	return events
}

// handleStatus applies a telemetry message from signpost/sign/{id}/status.
// Errors are returned to the MQTT client, which logs them.
func (b *Bridge) handleStatus(topic string, payload []byte) error {
	id, kind, ok := mqtt.ParseSignTopic(topic)
	if !ok || kind != mqtt.KindStatus {
		return fmt.Errorf("unexpected topic %q", topic)
	}

	var report sign.StatusReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return fmt.Errorf("sign %s: decoding status report: %w", id, err)
	}

	if _, err := b.registry.ReportStatus(b.ctx, id, report); err != nil {
		if errors.Is(err, sign.ErrSignNotFound) {
			b.logger.Debug("telemetry from unknown sign ignored", "sign_id", id)
			return nil
		}
		return fmt.Errorf("sign %s: %w", id, err)
	}
	return nil
}

// forward drains the hub subscription until Stop. A pruned subscription
// is replaced, and the replay brings the broker back in sync.
func (b *Bridge) forward(sub *broadcast.Subscription) {
	defer b.wg.Done()
	defer func() { b.hub.Unsubscribe(sub) }()

	for {
		select {
		case <-b.done:
			return
		case <-b.resync:
			for _, ev := range b.snapshot() {
				b.publishUpdate(ev.(sign.UpdateEvent).Sign, true)
			}
		case frame, open := <-sub.Frames():
			if !open {
				select {
				case <-b.done:
					return
				default:
				}
				b.logger.Warn("hub subscription closed, resubscribing")
				select {
				case <-b.done:
					return
				case <-time.After(resubscribeDelay):
				}
				sub = b.subscribe()
				continue
			}
			b.handleFrame(frame)
		}
	}
}

func (b *Bridge) handleFrame(frame []byte) {
	var ft frameType
	if err := json.Unmarshal(frame, &ft); err != nil {
		b.logger.Warn("undecodable hub frame", "error", err)
		return
	}

	switch ft.Type {
	case sign.EventSignUpdate:
		var ev sign.UpdateEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			b.logger.Warn("undecodable sign_update", "error", err)
			return
		}
		b.publishUpdate(ev.Sign, false)
	case sign.EventCommandUpdate:
		var ev sign.CommandEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			b.logger.Warn("undecodable command_update", "error", err)
			return
		}
		b.publishCommand(ev.SignID, ev.Command)
	}
}

// publishUpdate mirrors a snapshot to the state topic and, when the mode
// changed or force is set, to the command topic.
func (b *Bridge) publishUpdate(s sign.Sign, force bool) {
	b.publishJSON(mqtt.Topics{}.SignState(s.ID), s)

	if last, seen := b.lastCommand[s.ID]; force || !seen || last != s.CurrentMode {
		b.publishCommand(s.ID, s.CurrentMode)
	}
}

func (b *Bridge) publishCommand(id string, mode sign.Mode) {
	if b.publishJSON(mqtt.Topics{}.SignCommand(id), commandPayload{Command: mode}) {
		b.lastCommand[id] = mode
	}
}

// publishJSON publishes a retained message and reports success.
func (b *Bridge) publishJSON(topic string, v any) bool {
	if err := b.client.PublishJSON(topic, v, true); err != nil {
		if errors.Is(err, mqtt.ErrNotConnected) {
			b.logger.Debug("mqtt offline, publish skipped", "topic", topic)
		} else {
			b.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		}
		return false
	}
	return true
}
