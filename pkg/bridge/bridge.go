// Package bridge connects a compute node to the orchestrator over NATS.
// It registers the node, pushes metrics and cluster status upstream and
// pulls rule updates downstream.
//
// The connection state machine is deliberately simple: disconnected →
// connected → disconnected. A failed heartbeat drops the connection and
// does NOT reconnect; recovery is an explicit InitConnection by the
// caller, so a flapping orchestrator cannot trap the node in a retry
// storm.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/Thunderblok/thunderline-sub015/pkg/automaton"
	"github.com/Thunderblok/thunderline-sub015/pkg/supervisor"
	"github.com/Thunderblok/thunderline-sub015/pkg/telemetry"
)

var (
	// ErrNotConnected is returned by operations that need a live
	// orchestrator connection.
	ErrNotConnected = errors.New("bridge not connected")
	// ErrNoOrchestrator is returned when discovery exhausts every
	// candidate address.
	ErrNoOrchestrator = errors.New("no orchestrator reachable")
)

// Orchestrator subjects.
const (
	SubjectRegister   = "thunderline.orch.register"
	SubjectUnregister = "thunderline.orch.unregister"
	SubjectHeartbeat  = "thunderline.orch.heartbeat"
	SubjectRules      = "thunderline.orch.rules.get"
	SubjectMetrics    = "thunderline.orch.metrics"
	SubjectStatus     = "thunderline.orch.cluster.status"
)

// Config holds bridge settings.
type Config struct {
	// URL is the orchestrator's NATS address. When empty, the bridge
	// probes FallbackURLs in order.
	URL          string   `json:"url" yaml:"url"`
	FallbackURLs []string `json:"fallback_urls" yaml:"fallback_urls"`

	NodeID string `json:"node_id" yaml:"node_id"`

	RequestTimeout    time.Duration `json:"request_timeout" yaml:"request_timeout"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	MetricsInterval   time.Duration `json:"metrics_interval" yaml:"metrics_interval"`

	// StatusRatePerSec caps outgoing cluster-status notifications;
	// excess notifications are dropped, not queued.
	StatusRatePerSec float64 `json:"status_rate_per_sec" yaml:"status_rate_per_sec"`
	StatusBurst      int     `json:"status_burst" yaml:"status_burst"`
}

func (c Config) withDefaults() Config {
	if c.URL == "" && len(c.FallbackURLs) == 0 {
		c.FallbackURLs = []string{nats.DefaultURL, "nats://127.0.0.1:4223"}
	}
	if c.NodeID == "" {
		c.NodeID = "thunderline-node"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 10 * time.Second
	}
	if c.StatusRatePerSec <= 0 {
		c.StatusRatePerSec = 10
	}
	if c.StatusBurst <= 0 {
		c.StatusBurst = 20
	}
	return c
}

// MetricsSource supplies the payload for periodic metrics pushes.
// *telemetry.Collector satisfies it.
type MetricsSource interface {
	Report() telemetry.PerformanceReport
}

type registerPayload struct {
	NodeID       string    `json:"node_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

type heartbeatPayload struct {
	NodeID string    `json:"node_id"`
	SentAt time.Time `json:"sent_at"`
}

type rulesRequest struct {
	NodeID string `json:"node_id"`
}

type statusPayload struct {
	NodeID    string    `json:"node_id"`
	ClusterID string    `json:"cluster_id"`
	Status    string    `json:"status"`
	SentAt    time.Time `json:"sent_at"`
}

type metricsPayload struct {
	NodeID string                      `json:"node_id"`
	Report telemetry.PerformanceReport `json:"report"`
}

// Bridge is the orchestrator link. Safe for concurrent use. It
// implements the supervisor StatusNotifier interface.
type Bridge struct {
	cfg     Config
	logger  *slog.Logger
	metrics MetricsSource
	limiter *rate.Limiter

	mu         sync.Mutex
	conn       *nats.Conn
	connected  bool
	registered bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithMetricsSource enables the periodic metrics push.
func WithMetricsSource(src MetricsSource) Option {
	return func(b *Bridge) { b.metrics = src }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// New creates a disconnected bridge.
func New(cfg Config, opts ...Option) *Bridge {
	cfg = cfg.withDefaults()
	b := &Bridge{
		cfg:     cfg,
		logger:  slog.Default(),
		limiter: rate.NewLimiter(rate.Limit(cfg.StatusRatePerSec), cfg.StatusBurst),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("node_id", cfg.NodeID)
	return b
}

// InitConnection discovers the orchestrator, verifies liveness with a
// flush round trip and starts the heartbeat and metrics tasks. Calling
// it while connected is a no-op.
func (b *Bridge) InitConnection(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}

	candidates := b.cfg.FallbackURLs
	if b.cfg.URL != "" {
		candidates = []string{b.cfg.URL}
	}

	var lastErr error
	for _, url := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := b.dial(url)
		if err != nil {
			lastErr = err
			b.logger.Debug("orchestrator candidate unreachable", "url", url, "error", err)
			continue
		}
		if err := conn.FlushTimeout(b.cfg.RequestTimeout); err != nil {
			conn.Close()
			lastErr = fmt.Errorf("liveness probe %s: %w", url, err)
			continue
		}

		b.conn = conn
		b.connected = true
		b.stopCh = make(chan struct{})
		b.wg.Add(2)
		go b.heartbeatLoop(b.stopCh, conn)
		go b.metricsLoop(b.stopCh)

		b.logger.Info("orchestrator connected", "url", conn.ConnectedUrl())
		return nil
	}
	return fmt.Errorf("%w: %d candidates, last error: %v", ErrNoOrchestrator, len(candidates), lastErr)
}

// dial connects without client-side reconnection: connection recovery
// is an explicit caller decision.
func (b *Bridge) dial(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(b.cfg.NodeID),
		nats.Timeout(b.cfg.RequestTimeout),
		nats.NoReconnect(),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	return conn, nil
}

// Connected reports the connection state.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Status names the connection state: "connected" or "disconnected".
func (b *Bridge) Status() string {
	if b.Connected() {
		return "connected"
	}
	return "disconnected"
}

// Register announces this compute node to the orchestrator and waits
// for its acknowledgment.
func (b *Bridge) Register(ctx context.Context) error {
	conn, err := b.liveConn()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(registerPayload{NodeID: b.cfg.NodeID, RegisteredAt: time.Now()})
	if err != nil {
		return fmt.Errorf("encode register payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()
	if _, err := conn.RequestWithContext(reqCtx, SubjectRegister, payload); err != nil {
		return fmt.Errorf("register node: %w", err)
	}

	b.mu.Lock()
	b.registered = true
	b.mu.Unlock()
	b.logger.Info("node registered with orchestrator")
	return nil
}

// Registered reports whether Register has succeeded on the current
// connection.
func (b *Bridge) Registered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registered
}

// ReceiveRules asks the orchestrator for the rule set this node should
// run.
func (b *Bridge) ReceiveRules(ctx context.Context) (automaton.Rules, error) {
	conn, err := b.liveConn()
	if err != nil {
		return automaton.Rules{}, err
	}

	payload, err := json.Marshal(rulesRequest{NodeID: b.cfg.NodeID})
	if err != nil {
		return automaton.Rules{}, fmt.Errorf("encode rules request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()
	msg, err := conn.RequestWithContext(reqCtx, SubjectRules, payload)
	if err != nil {
		return automaton.Rules{}, fmt.Errorf("request rules: %w", err)
	}

	var rules automaton.Rules
	if err := json.Unmarshal(msg.Data, &rules); err != nil {
		return automaton.Rules{}, fmt.Errorf("decode rules: %w", err)
	}
	return rules.Normalize(), nil
}

// SendMetrics publishes one metrics report, fire-and-forget.
func (b *Bridge) SendMetrics(report telemetry.PerformanceReport) error {
	conn, err := b.liveConn()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(metricsPayload{NodeID: b.cfg.NodeID, Report: report})
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	if err := conn.Publish(SubjectMetrics, payload); err != nil {
		return fmt.Errorf("publish metrics: %w", err)
	}
	return nil
}

// NotifyClusterStatus publishes a cluster lifecycle transition,
// fire-and-forget. Notifications beyond the configured rate are
// dropped. Implements the supervisor StatusNotifier interface.
func (b *Bridge) NotifyClusterStatus(clusterID string, status supervisor.ClusterStatus) {
	conn, err := b.liveConn()
	if err != nil {
		return
	}
	if !b.limiter.Allow() {
		b.logger.Debug("cluster status dropped by rate limit", "cluster_id", clusterID)
		return
	}
	payload, err := json.Marshal(statusPayload{
		NodeID:    b.cfg.NodeID,
		ClusterID: clusterID,
		Status:    string(status),
		SentAt:    time.Now(),
	})
	if err != nil {
		return
	}
	if err := conn.Publish(SubjectStatus, payload); err != nil {
		b.logger.Debug("cluster status publish failed", "cluster_id", clusterID, "error", err)
	}
}

func (b *Bridge) liveConn() (*nats.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected || b.conn == nil {
		return nil, ErrNotConnected
	}
	return b.conn, nil
}

func (b *Bridge) heartbeatLoop(stopCh chan struct{}, conn *nats.Conn) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := b.heartbeat(conn); err != nil {
				b.logger.Error("heartbeat failed, dropping connection", "error", err)
				b.dropConnection()
				return
			}
		}
	}
}

func (b *Bridge) heartbeat(conn *nats.Conn) error {
	payload, err := json.Marshal(heartbeatPayload{NodeID: b.cfg.NodeID, SentAt: time.Now()})
	if err != nil {
		return err
	}
	_, err = conn.Request(SubjectHeartbeat, payload, b.cfg.RequestTimeout)
	return err
}

func (b *Bridge) metricsLoop(stopCh chan struct{}) {
	defer b.wg.Done()
	if b.metrics == nil {
		return
	}
	ticker := time.NewTicker(b.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := b.SendMetrics(b.metrics.Report()); err != nil {
				b.logger.Debug("metrics push failed", "error", err)
			}
		}
	}
}

// dropConnection transitions to disconnected after a heartbeat failure.
// No reconnection is attempted.
func (b *Bridge) dropConnection() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return
	}
	b.connected = false
	b.registered = false
	close(b.stopCh)
	b.conn.Close()
	b.conn = nil
}

// Disconnect announces departure, stops the periodic tasks and closes
// the connection. Idempotent.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return
	}
	conn := b.conn
	b.connected = false
	b.registered = false
	close(b.stopCh)
	b.conn = nil
	b.mu.Unlock()

	payload, err := json.Marshal(registerPayload{NodeID: b.cfg.NodeID, RegisteredAt: time.Now()})
	if err == nil {
		_ = conn.Publish(SubjectUnregister, payload)
		_ = conn.FlushTimeout(b.cfg.RequestTimeout)
	}
	conn.Close()

	b.wg.Wait()
	b.logger.Info("orchestrator disconnected")
}
