package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mirage/internal/capture"
	"github.com/nugget/mirage/internal/config"
)

// ErrNotConnected is returned by [Publisher.Capture] before the
// publisher has been started.
var ErrNotConnected = errors.New("mqtt publisher not started")

// StatsSource provides runtime data for stats publishing. The concrete
// adapter is wired in main.go so this package does not depend on the
// orchestrator.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// ActiveListeners returns the number of bound listeners.
	ActiveListeners() int
	// ActiveConnections returns the number of open attacker connections.
	ActiveConnections() int
}

// Publisher manages the MQTT connection and runs a periodic loop that
// pushes stats to the broker. It also serves as a [capture.Sink].
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	counter    *DailyCounter
	stats      StatsSource
	logger     *slog.Logger
	cm         atomic.Pointer[autopaho.ConnectionManager]
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, counter *DailyCounter, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if counter == nil {
		counter = NewDailyCounter(nil)
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		counter:    counter,
		stats:      stats,
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm.Store(cm)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both steps.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used as the connwatch probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return ErrNotConnected
	}
	return cm.AwaitConnection(ctx)
}

// Capture publishes i as JSON on the interactions topic.
func (p *Publisher) Capture(ctx context.Context, i capture.Interaction) (string, error) {
	cm := p.cm.Load()
	if cm == nil {
		return "", ErrNotConnected
	}
	payload, err := json.Marshal(i)
	if err != nil {
		return "", fmt.Errorf("marshal interaction: %w", err)
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.interactionsTopic(),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		return "", fmt.Errorf("mqtt publish interaction: %w", err)
	}
	return i.ID, nil
}

func (p *Publisher) clientID() string {
	if p.instanceID != "" {
		return "mirage-" + p.instanceID
	}
	return "mirage-" + p.cfg.DeviceName
}

func (p *Publisher) baseTopic() string {
	return "mirage/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) interactionsTopic() string {
	return p.baseTopic() + "/interactions"
}

func (p *Publisher) stateTopic(stat string) string {
	return p.baseTopic() + "/" + stat + "/state"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// states returns the current value of every published stat.
func (p *Publisher) states() map[string]string {
	counts := p.counter.Snapshot()
	states := map[string]string{
		"interactions_today": strconv.FormatInt(counts.Interactions, 10),
		"stubs_today":        strconv.FormatInt(counts.Stubs, 10),
		"tokens_today":       strconv.FormatInt(counts.Tokens(), 10),
	}
	if p.stats != nil {
		states["uptime"] = p.stats.Uptime().Truncate(time.Second).String()
		states["version"] = p.stats.Version()
		states["active_listeners"] = strconv.Itoa(p.stats.ActiveListeners())
		states["active_connections"] = strconv.Itoa(p.stats.ActiveConnections())
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	cm := p.cm.Load()
	if cm == nil {
		return
	}

	states := p.states()
	for stat, value := range states {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(stat),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"stat", stat, "error", err)
		}
	}

	p.logger.Log(ctx, config.LevelTrace, "mqtt stats published", "stats", len(states))
}
