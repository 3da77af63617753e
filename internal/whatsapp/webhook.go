package whatsapp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guonaihong/gout"
	jsoniter "github.com/json-iterator/go"
	"github.com/montanaflynn/stats"
	"github.com/panjf2000/ants/v2"
	"github.com/talkincode/wahub/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const latencyWindow = 512

// EventPublisher accepts webhook events without blocking.
type EventPublisher interface {
	Enqueue(evt WebhookEvent) bool
}

// Endpoint is one webhook receiver.
type Endpoint struct {
	Name  string
	URL   string
	Token string
	Kinds []EventKind
}

// Accepts reports whether the endpoint subscribes to kind. No kinds means all.
func (e Endpoint) Accepts(kind EventKind) bool {
	if len(e.Kinds) == 0 {
		return true
	}
	for _, k := range e.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type DispatcherConfig struct {
	Token       string
	Endpoints   []Endpoint
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration
	QueueSize   int
	Workers     int
}

func DispatcherConfigFromConfig(c config.WebhookConfig) DispatcherConfig {
	dc := DispatcherConfig{
		Token:       c.Token,
		MaxAttempts: c.MaxAttempts,
		RetryDelay:  c.RetryDelay,
		Timeout:     c.Timeout,
		QueueSize:   c.QueueSize,
		Workers:     c.Workers,
	}
	for _, ep := range c.Endpoints {
		e := Endpoint{Name: ep.Name, URL: ep.URL, Token: ep.Token}
		for _, k := range ep.Events {
			e.Kinds = append(e.Kinds, EventKind(k))
		}
		dc.Endpoints = append(dc.Endpoints, e)
	}
	return dc
}

// maxDeliveryAttempts bounds MaxAttempts per endpoint per event.
const maxDeliveryAttempts = 3

func (c *DispatcherConfig) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = maxDeliveryAttempts
	}
	if c.MaxAttempts > maxDeliveryAttempts {
		zap.L().Warn("webhook: max attempts capped",
			zap.Int("configured", c.MaxAttempts),
			zap.Int("max", maxDeliveryAttempts))
		c.MaxAttempts = maxDeliveryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

// DispatcherStats is a point-in-time view of delivery counters.
type DispatcherStats struct {
	Queued        int     `json:"queued"`
	Delivered     int64   `json:"delivered"`
	Failed        int64   `json:"failed"`
	Dropped       int64   `json:"dropped"`
	Retried       int64   `json:"retried"`
	MeanLatencyMs float64 `json:"meanLatencyMs"`
	P95LatencyMs  float64 `json:"p95LatencyMs"`
}

type delivery struct {
	evt  WebhookEvent
	body []byte
}

// lane is the queue and worker pool of a single endpoint.
type lane struct {
	ep    Endpoint
	queue chan delivery
	pool  *ants.Pool
	done  chan struct{}
}

// Dispatcher delivers webhook events through one bounded queue and worker
// pool per endpoint, so a slow endpoint only ever backs up its own lane.
// Enqueue never blocks; a full lane drops the event for that endpoint.
type Dispatcher struct {
	cfg   DispatcherConfig
	lanes []*lane

	mu     sync.RWMutex
	closed bool

	inflight sync.WaitGroup
	started  atomic.Bool
	cancel   context.CancelFunc

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	retried   atomic.Int64

	latMu     sync.Mutex
	latencies []float64
	latNext   int
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	cfg.setDefaults()
	d := &Dispatcher{
		cfg:       cfg,
		latencies: make([]float64, 0, latencyWindow),
	}
	for _, ep := range cfg.Endpoints {
		if ep.URL == "" {
			continue
		}
		pool, err := ants.NewPool(cfg.Workers)
		if err != nil {
			d.release()
			return nil, err
		}
		d.lanes = append(d.lanes, &lane{
			ep:    ep,
			queue: make(chan delivery, cfg.QueueSize),
			pool:  pool,
			done:  make(chan struct{}),
		})
	}
	return d, nil
}

func (d *Dispatcher) release() {
	for _, l := range d.lanes {
		l.pool.Release()
	}
}

// Start runs one consumer per endpoint until Stop is called. Deliveries
// outlive the cancellation of ctx so Stop can drain them.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for _, l := range d.lanes {
		go d.consume(ctx, l)
	}
}

func (d *Dispatcher) consume(ctx context.Context, l *lane) {
	defer close(l.done)
	for item := range l.queue {
		item := item
		d.inflight.Add(1)
		err := l.pool.Submit(func() {
			defer d.inflight.Done()
			defer func() {
				if err := recover(); err != nil {
					zap.L().Error("webhook: delivery panic", zap.String("endpoint", l.ep.Name), zap.Any("error", err))
				}
			}()
			_ = d.deliver(ctx, l.ep, item.evt, item.body)
		})
		if err != nil {
			d.inflight.Done()
			d.dropped.Add(1)
			zap.L().Warn("webhook: worker pool rejected event",
				zap.String("endpoint", l.ep.Name),
				zap.String("instance_id", item.evt.InstanceID),
				zap.String("event", string(item.evt.Kind)),
				zap.Error(err))
		}
	}
}

// Enqueue queues evt on every subscribed endpoint and reports whether all of
// them accepted it.
func (d *Dispatcher) Enqueue(evt WebhookEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return false
	}
	var body []byte
	accepted := true
	for _, l := range d.lanes {
		if !l.ep.Accepts(evt.Kind) {
			continue
		}
		if body == nil {
			var err error
			if body, err = json.Marshal(evt.Payload); err != nil {
				zap.L().Error("webhook: encode payload failed",
					zap.String("instance_id", evt.InstanceID),
					zap.String("event", string(evt.Kind)),
					zap.Error(err))
				return false
			}
		}
		select {
		case l.queue <- delivery{evt: evt, body: body}:
		default:
			accepted = false
			d.dropped.Add(1)
			zap.L().Warn("webhook: queue full, event dropped",
				zap.String("endpoint", l.ep.Name),
				zap.String("instance_id", evt.InstanceID),
				zap.String("event", string(evt.Kind)),
				zap.Int("queue_size", d.cfg.QueueSize))
		}
	}
	return accepted
}

// Publish delivers evt to every subscribed endpoint concurrently. It returns
// the first delivery failure; other endpoints are unaffected by it.
func (d *Dispatcher) Publish(ctx context.Context, evt WebhookEvent) error {
	body, err := json.Marshal(evt.Payload)
	if err != nil {
		zap.L().Error("webhook: encode payload failed",
			zap.String("instance_id", evt.InstanceID),
			zap.String("event", string(evt.Kind)),
			zap.Error(err))
		return err
	}
	var g errgroup.Group
	for _, l := range d.lanes {
		if !l.ep.Accepts(evt.Kind) {
			continue
		}
		ep := l.ep
		g.Go(func() error {
			return d.deliver(ctx, ep, evt, body)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, ep Endpoint, evt WebhookEvent, body []byte) error {
	token := ep.Token
	if token == "" {
		token = d.cfg.Token
	}
	deliveryID := uuid.NewString()

	var lastErr error
	var lastCode int
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			d.retried.Add(1)
			if err := sleepCtx(ctx, time.Duration(attempt-1)*d.cfg.RetryDelay); err != nil {
				lastErr = err
				break
			}
		}

		start := time.Now()
		code, err := d.post(ctx, ep.URL, token, deliveryID, evt.Kind, body)
		if err == nil && code >= 200 && code < 300 {
			d.observe(time.Since(start))
			d.delivered.Add(1)
			zap.L().Debug("webhook: delivered",
				zap.String("endpoint", ep.Name),
				zap.String("instance_id", evt.InstanceID),
				zap.String("event", string(evt.Kind)),
				zap.String("delivery_id", deliveryID),
				zap.Int("attempt", attempt))
			return nil
		}
		lastErr, lastCode = err, code
		zap.L().Warn("webhook: delivery attempt failed",
			zap.String("endpoint", ep.Name),
			zap.String("instance_id", evt.InstanceID),
			zap.String("event", string(evt.Kind)),
			zap.String("delivery_id", deliveryID),
			zap.Int("attempt", attempt),
			zap.Int("status", code),
			zap.Error(err))
	}

	d.failed.Add(1)
	derr := &DeliveryError{Endpoint: ep.Name, Attempts: d.cfg.MaxAttempts, StatusCode: lastCode, Err: lastErr}
	zap.L().Error("webhook: event dropped after retries",
		zap.String("endpoint", ep.Name),
		zap.String("instance_id", evt.InstanceID),
		zap.String("event", string(evt.Kind)),
		zap.Time("occurred_at", evt.OccurredAt),
		zap.String("delivery_id", deliveryID),
		zap.Error(derr))
	return derr
}

func sleepCtx(ctx context.Context, delay time.Duration) error {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Dispatcher) post(ctx context.Context, url, token, deliveryID string, kind EventKind, body []byte) (int, error) {
	header := gout.H{
		"Content-Type":     "application/json",
		"X-Wahub-Event":    string(kind),
		"X-Wahub-Delivery": deliveryID,
	}
	if token != "" {
		header["Authorization"] = "Bearer " + token
	}
	var code int
	err := gout.POST(url).
		WithContext(ctx).
		SetTimeout(d.cfg.Timeout).
		SetHeader(header).
		SetBody(body).
		Code(&code).
		Do()
	return code, err
}

func (d *Dispatcher) observe(latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)
	d.latMu.Lock()
	defer d.latMu.Unlock()
	if len(d.latencies) < latencyWindow {
		d.latencies = append(d.latencies, ms)
		return
	}
	d.latencies[d.latNext] = ms
	d.latNext = (d.latNext + 1) % latencyWindow
}

func (d *Dispatcher) Stats() DispatcherStats {
	st := DispatcherStats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
		Retried:   d.retried.Load(),
	}
	for _, l := range d.lanes {
		st.Queued += len(l.queue)
	}
	d.latMu.Lock()
	data := stats.Float64Data(append([]float64(nil), d.latencies...))
	d.latMu.Unlock()
	if len(data) > 0 {
		st.MeanLatencyMs, _ = data.Mean()
		st.P95LatencyMs, _ = data.Percentile(95)
	}
	return st
}

// Stop refuses new events, drains every lane and waits for in-flight
// deliveries until ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, l := range d.lanes {
		close(l.queue)
	}
	d.mu.Unlock()
	defer d.release()
	if !d.started.Load() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		for _, l := range d.lanes {
			<-l.done
		}
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return errors.New("webhook: stop timed out with deliveries pending")
	}
}
