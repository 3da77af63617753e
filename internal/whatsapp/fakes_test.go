package whatsapp

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

const waitTimeout = 2 * time.Second

type fakeTransport struct {
	id         string
	sink       EventSink
	identity   Identity
	connectErr error
	avatarURL  string
	media      []byte

	connectCh chan struct{}
	once      sync.Once

	mu          sync.Mutex
	disconnects int
	sent        []string
	sendErr     error
	lastSendID  int
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.once.Do(func() { close(t.connectCh) })
	return t.connectErr
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	t.disconnects++
	t.mu.Unlock()
}

func (t *fakeTransport) Identity() Identity { return t.identity }

func (t *fakeTransport) AvatarURL(ctx context.Context) (string, error) {
	return t.avatarURL, nil
}

func (t *fakeTransport) Download(ctx context.Context, att *Attachment) ([]byte, error) {
	if t.media == nil {
		return nil, fmt.Errorf("no media")
	}
	return t.media, nil
}

func (t *fakeTransport) SendText(ctx context.Context, to, text string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return "", t.sendErr
	}
	t.lastSendID++
	t.sent = append(t.sent, to)
	return fmt.Sprintf("SENT-%d", t.lastSendID), nil
}

func (t *fakeTransport) emit(evt Event) { t.sink(evt) }

func (t *fakeTransport) waitConnect(tb testing.TB) {
	tb.Helper()
	select {
	case <-t.connectCh:
	case <-time.After(waitTimeout):
		tb.Fatalf("transport %s never connected", t.id)
	}
}

func (t *fakeTransport) disconnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

type fakeFactory struct {
	mu         sync.Mutex
	openErr    error
	connectErr error
	identity   Identity
	avatarURL  string
	media      []byte
	count      int
	removed    []string
	removeGate chan struct{}
	opens      chan *fakeTransport
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		identity: Identity{JID: "5511999990000:3@s.whatsapp.net", Phone: "5511999990000", DisplayName: "Support"},
		opens:    make(chan *fakeTransport, 32),
	}
}

func (f *fakeFactory) Open(ctx context.Context, id string, sink EventSink) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	if f.openErr != nil {
		return nil, f.openErr
	}
	t := &fakeTransport{
		id:         id,
		sink:       sink,
		identity:   f.identity,
		connectErr: f.connectErr,
		avatarURL:  f.avatarURL,
		media:      f.media,
		connectCh:  make(chan struct{}),
	}
	f.opens <- t
	return t, nil
}

func (f *fakeFactory) RemoveSession(ctx context.Context, id string) error {
	if f.removeGate != nil {
		<-f.removeGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeFactory) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func (f *fakeFactory) next(tb testing.TB) *fakeTransport {
	tb.Helper()
	select {
	case t := <-f.opens:
		return t
	case <-time.After(waitTimeout):
		tb.Fatal("no transport opened")
		return nil
	}
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// fire runs the callback even if the timer was stopped, the way a timer that
// already expired would race with Stop.
func (t *fakeTimer) fire() { t.f() }

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *fakeClock) last(tb testing.TB) *fakeTimer {
	tb.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		tb.Fatal("no timer scheduled")
	}
	return c.timers[len(c.timers)-1]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []WebhookEvent
}

func (p *recordingPublisher) Enqueue(evt WebhookEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return true
}

func (p *recordingPublisher) snapshot() []WebhookEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]WebhookEvent(nil), p.events...)
}

func (p *recordingPublisher) waitFor(tb testing.TB, desc string, pred func(WebhookEvent) bool) WebhookEvent {
	tb.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		for _, e := range p.snapshot() {
			if pred(e) {
				return e
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("no %s event published", desc)
	return WebhookEvent{}
}

func (p *recordingPublisher) count(pred func(WebhookEvent) bool) int {
	n := 0
	for _, e := range p.snapshot() {
		if pred(e) {
			n++
		}
	}
	return n
}

func connectionStatus(st Status) func(WebhookEvent) bool {
	return func(e WebhookEvent) bool {
		p, ok := e.Payload.(ConnectionPayload)
		return ok && e.Kind == EventConnection && p.Status == st && !p.ProfileUpdate
	}
}

func isProfileUpdate(e WebhookEvent) bool {
	p, ok := e.Payload.(ConnectionPayload)
	return ok && p.ProfileUpdate
}

func isMessage(id string) func(WebhookEvent) bool {
	return func(e WebhookEvent) bool {
		p, ok := e.Payload.(MessagePayload)
		return ok && p.MessageID == id
	}
}

type harness struct {
	m       *Manager
	factory *fakeFactory
	clock   *fakeClock
	pub     *recordingPublisher
}

func newHarness(tb testing.TB, mutate ...func(*Options)) *harness {
	tb.Helper()
	h := &harness{
		factory: newFakeFactory(),
		clock:   &fakeClock{},
		pub:     &recordingPublisher{},
	}
	opts := Options{
		Factory:      h.factory,
		Policy:       DefaultReconnectPolicy(),
		Dedup:        NewSentMessageCache(time.Minute, time.Minute),
		Media:        NewMediaExtractor(1024, time.Second),
		QR:           QROptions{Size: 128, Margin: 2, DarkColor: "#000000", LightColor: "#FFFFFF"},
		Publisher:    h.pub,
		Clock:        h.clock,
		IgnoreGroups: true,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	h.m = NewManager(opts)
	tb.Cleanup(func() { _ = h.m.Shutdown(context.Background()) })
	return h
}

func (h *harness) waitStatus(tb testing.TB, id string, want Status) Snapshot {
	tb.Helper()
	deadline := time.Now().Add(waitTimeout)
	var last Snapshot
	for time.Now().Before(deadline) {
		s, err := h.m.Status(id)
		if err == nil && s.Status == want {
			return s
		}
		last = s
		time.Sleep(2 * time.Millisecond)
	}
	tb.Fatalf("instance %s: status %q, want %q", id, last.Status, want)
	return last
}

// connect creates id and drives it to connected.
func (h *harness) connect(tb testing.TB, id string) *fakeTransport {
	tb.Helper()
	if _, err := h.m.Create(context.Background(), id, "owner-"+id); err != nil {
		tb.Fatalf("Create: %v", err)
	}
	tr := h.factory.next(tb)
	tr.waitConnect(tb)
	tr.emit(OpenEvent{})
	h.waitStatus(tb, id, StatusConnected)
	return tr
}
