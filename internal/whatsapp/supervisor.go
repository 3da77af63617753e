package whatsapp

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AvatarFetcher turns an avatar URL into an inlinable data URI.
type AvatarFetcher func(ctx context.Context, url string) (string, error)

// supervisorDeps are shared by every supervisor of a Manager.
type supervisorDeps struct {
	factory      TransportFactory
	policy       ReconnectPolicy
	dedup        *SentMessageCache
	media        *MediaExtractor
	qr           QROptions
	publisher    EventPublisher
	clock        Clock
	avatar       AvatarFetcher
	ignoreGroups bool
	onChange     func(Snapshot)
}

// Supervisor owns the lifecycle of one instance. All state changes happen
// under mu; network work runs outside it. session identifies the live
// transport so events from a closed one are ignored, timerGen does the same
// for reconnection timers.
type Supervisor struct {
	deps *supervisorDeps

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     Snapshot
	transport Transport
	session   uint64
	timer     Timer
	timerGen  uint64
	deleted   bool
	closed    bool

	deleteOnce sync.Once
}

func newSupervisor(ctx context.Context, id, ownerRef string, deps *supervisorDeps) *Supervisor {
	ctx, cancel := context.WithCancel(ctx)
	return &Supervisor{
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		state: Snapshot{
			ID:         id,
			OwnerRef:   ownerRef,
			Status:     StatusCreating,
			LastUpdate: time.Now(),
		},
	}
}

func (s *Supervisor) ID() string {
	return s.state.ID
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// stoppedLocked is true once no further transitions may happen.
func (s *Supervisor) stoppedLocked() bool {
	return s.deleted || s.closed || s.state.IntentionalDisconnect
}

// setStatusLocked records a status change and reports whether it changed.
func (s *Supervisor) setStatusLocked(st Status) bool {
	if s.state.Status == st {
		return false
	}
	zap.L().Info("whatsapp: instance status changed",
		zap.String("instance_id", s.state.ID),
		zap.String("from", string(s.state.Status)),
		zap.String("to", string(st)),
		zap.Int("attempt", s.state.AttemptCount))
	s.state.Status = st
	s.state.LastUpdate = time.Now()
	if s.deps.onChange != nil {
		s.deps.onChange(s.state)
	}
	return true
}

// transitionLocked changes status and publishes a connection event if it changed.
func (s *Supervisor) transitionLocked(st Status) {
	if s.setStatusLocked(st) {
		s.publish(newConnectionEvent(s.state, "", false))
	}
}

func (s *Supervisor) publish(evt WebhookEvent) {
	if s.deps.publisher != nil {
		s.deps.publisher.Enqueue(evt)
	}
}

// openSession obtains a fresh transport and starts connecting it.
func (s *Supervisor) openSession() {
	s.mu.Lock()
	if s.stoppedLocked() {
		s.mu.Unlock()
		return
	}
	s.session++
	gen := s.session
	id := s.state.ID
	s.mu.Unlock()

	t, err := s.deps.factory.Open(s.ctx, id, func(evt Event) { s.handleEvent(gen, evt) })

	s.mu.Lock()
	if s.stoppedLocked() || gen != s.session {
		s.mu.Unlock()
		if t != nil {
			t.Disconnect()
		}
		return
	}
	if err != nil {
		zap.L().Error("whatsapp: open transport failed", zap.String("instance_id", id), zap.Error(err))
		s.state.LastError = err.Error()
		s.transitionLocked(StatusError)
		s.mu.Unlock()
		return
	}
	s.transport = t
	s.transitionLocked(StatusConnecting)
	s.mu.Unlock()

	if err := t.Connect(s.ctx); err != nil {
		zap.L().Warn("whatsapp: transport connect failed", zap.String("instance_id", id), zap.Error(err))
		s.handleEvent(gen, CloseEvent{Cause: DisconnectCause{Message: err.Error()}})
	}
}

func (s *Supervisor) handleEvent(gen uint64, evt Event) {
	switch e := evt.(type) {
	case PairingEvent:
		s.handlePairing(gen, e.Code)
	case OpenEvent:
		s.handleOpen(gen)
	case CloseEvent:
		s.handleClose(gen, e.Cause)
	case MessageEvent:
		s.handleMessage(gen, e.Message)
	}
}

// activeLocked reports whether events of session gen may still change state.
func (s *Supervisor) activeLocked(gen uint64) bool {
	return gen == s.session && !s.stoppedLocked()
}

func (s *Supervisor) handlePairing(gen uint64, code string) {
	image, renderErr := RenderQRDataURI(code, s.deps.qr)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeLocked(gen) {
		return
	}
	switch s.state.Status {
	case StatusConnecting, StatusWaitingQR, StatusQRError:
	default:
		return
	}
	if renderErr != nil {
		zap.L().Error("whatsapp: qr render failed", zap.String("instance_id", s.state.ID), zap.Error(renderErr))
		s.state.QRImage = ""
		s.state.LastError = renderErr.Error()
		s.transitionLocked(StatusQRError)
		return
	}
	zap.L().Info("whatsapp: pairing code received", zap.String("instance_id", s.state.ID), zap.Int("code_len", len(code)))
	s.state.QRImage = image
	s.state.LastUpdate = time.Now()
	s.transitionLocked(StatusWaitingQR)
	s.publish(newQREvent(s.state.ID, image, s.state.LastUpdate))
}

func (s *Supervisor) handleOpen(gen uint64) {
	s.mu.Lock()
	if !s.activeLocked(gen) || s.transport == nil {
		s.mu.Unlock()
		return
	}
	switch s.state.Status {
	case StatusConnecting, StatusWaitingQR, StatusQRError, StatusReconnecting:
	default:
		s.mu.Unlock()
		return
	}
	t := s.transport
	ident := t.Identity()
	s.state.Phone = ident.Phone
	s.state.DisplayName = ident.DisplayName
	s.state.QRImage = ""
	s.state.LastError = ""
	s.state.AttemptCount = 0
	s.transitionLocked(StatusConnected)
	s.mu.Unlock()

	if s.deps.avatar == nil {
		return
	}
	// the avatar follows as a profile update once fetched without the lock
	go func() {
		picture := s.fetchAvatar(t)
		if picture == "" {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.activeLocked(gen) && s.state.Status == StatusConnected {
			s.publish(newProfileEvent(s.state, picture))
		}
	}()
}

func (s *Supervisor) fetchAvatar(t Transport) string {
	if s.deps.avatar == nil {
		return ""
	}
	timeout := 10 * time.Second
	if s.deps.media != nil {
		timeout = s.deps.media.FetchTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	url, err := t.AvatarURL(ctx)
	if err != nil || url == "" {
		return ""
	}
	picture, err := s.deps.avatar(ctx, url)
	if err != nil {
		zap.L().Debug("whatsapp: avatar fetch failed", zap.String("instance_id", s.ID()), zap.Error(err))
		return ""
	}
	return picture
}

func (s *Supervisor) handleClose(gen uint64, cause DisconnectCause) {
	s.mu.Lock()
	if !s.activeLocked(gen) {
		s.mu.Unlock()
		return
	}
	switch s.state.Status {
	case StatusConnected, StatusConnecting, StatusWaitingQR, StatusQRError:
	default:
		s.mu.Unlock()
		return
	}
	t := s.transport
	s.transport = nil
	s.session++

	zap.L().Info("whatsapp: connection closed",
		zap.String("instance_id", s.state.ID),
		zap.Int("code", cause.Code),
		zap.String("reason", cause.Message),
		zap.Bool("logged_out", cause.LoggedOut))

	s.state.Phone = ""
	s.state.DisplayName = ""
	s.state.QRImage = ""
	s.transitionLocked(StatusDisconnected)

	d := s.deps.policy.Decide(cause, s.state.IntentionalDisconnect, s.state.AttemptCount)
	switch {
	case d.Reconnect:
		s.state.AttemptCount = d.Attempt
		s.transitionLocked(StatusReconnecting)
		s.scheduleLocked(d.Delay)
		zap.L().Info("whatsapp: reconnection scheduled",
			zap.String("instance_id", s.state.ID),
			zap.Int("attempt", d.Attempt),
			zap.Int("max_attempts", s.deps.policy.MaxAttempts),
			zap.Duration("delay", d.Delay))
	case d.Next == StatusLoggedOut:
		s.state.AttemptCount = 0
		s.transitionLocked(StatusLoggedOut)
	default:
		if cause.Message != "" {
			s.state.LastError = cause.Message
		}
		zap.L().Warn("whatsapp: giving up on instance",
			zap.String("instance_id", s.state.ID),
			zap.Int("attempts", s.state.AttemptCount),
			zap.Bool("superseded", cause.Superseded()))
		s.transitionLocked(StatusError)
	}
	s.mu.Unlock()

	if t != nil {
		t.Disconnect()
	}
}

// scheduleLocked arms the single reconnection timer, replacing any pending one.
func (s *Supervisor) scheduleLocked(delay time.Duration) {
	s.cancelTimerLocked()
	gen := s.timerGen
	s.timer = s.deps.clock.AfterFunc(delay, func() { s.fireReconnect(gen) })
}

func (s *Supervisor) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (s *Supervisor) fireReconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.timerGen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if s.stoppedLocked() {
		zap.L().Info("whatsapp: reconnection skipped, instance stopped", zap.String("instance_id", s.state.ID))
		s.mu.Unlock()
		return
	}
	if s.state.Status != StatusReconnecting {
		s.mu.Unlock()
		return
	}
	s.transitionLocked(StatusConnecting)
	s.mu.Unlock()

	s.openSession()
}

func (s *Supervisor) handleMessage(gen uint64, msg InboundMessage) {
	s.mu.Lock()
	if !s.activeLocked(gen) || s.transport == nil {
		s.mu.Unlock()
		return
	}
	id := s.state.ID
	phone := s.state.Phone
	t := s.transport
	s.mu.Unlock()

	if s.deps.ignoreGroups && msg.Group {
		return
	}
	if msg.FromMe && s.deps.dedup != nil && s.deps.dedup.IsEcho(id, msg.ID) {
		zap.L().Debug("whatsapp: skipping echo of sent message", zap.String("instance_id", id), zap.String("message_id", msg.ID))
		return
	}

	go func() {
		content := MediaContent{Body: Summary(msg), Type: msg.Type}
		if s.deps.media != nil {
			content = s.deps.media.Extract(s.ctx, id, msg, t)
		}
		s.publish(newMessageEvent(id, phone, msg, content))
	}()
}

// MarkIntentional stops automatic reconnection and cancels any pending timer.
func (s *Supervisor) MarkIntentional() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markIntentionalLocked()
}

func (s *Supervisor) markIntentionalLocked() {
	if !s.state.IntentionalDisconnect {
		s.state.IntentionalDisconnect = true
		s.state.LastUpdate = time.Now()
		if s.deps.onChange != nil && !s.deleted {
			s.deps.onChange(s.state)
		}
	}
	s.cancelTimerLocked()
}

// Disconnect closes the session on request and leaves the instance disconnected.
func (s *Supervisor) Disconnect() error {
	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return ErrDeleted
	}
	t := s.transport
	s.transport = nil
	s.session++
	s.state.Phone = ""
	s.state.DisplayName = ""
	s.state.QRImage = ""
	// the transition happens before the flag freezes the state
	if !s.state.Status.Terminal() && s.state.Status != StatusError {
		s.transitionLocked(StatusDisconnected)
	}
	s.markIntentionalLocked()
	s.mu.Unlock()

	if t != nil {
		t.Disconnect()
	}
	return nil
}

// Delete tears the instance down. Calling it again has no effect.
func (s *Supervisor) Delete() {
	s.deleteOnce.Do(func() {
		s.mu.Lock()
		s.markIntentionalLocked()
		t := s.transport
		s.transport = nil
		s.session++
		s.mu.Unlock()

		if t != nil {
			t.Disconnect()
		}

		s.mu.Lock()
		s.state.QRImage = ""
		s.transitionLocked(StatusDeleted)
		s.deleted = true
		s.mu.Unlock()
		s.cancel()
	})
}

// Shutdown closes the transport without changing the recorded status so the
// instance can be recovered on the next start.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.cancelTimerLocked()
	s.closed = true
	t := s.transport
	s.transport = nil
	s.session++
	s.mu.Unlock()

	if t != nil {
		t.Disconnect()
	}
	s.cancel()
}

// Send delivers a text message and records it so its echo is suppressed.
func (s *Supervisor) Send(ctx context.Context, to, text string) (string, error) {
	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return "", ErrDeleted
	}
	if s.closed || s.state.Status != StatusConnected || s.transport == nil {
		s.mu.Unlock()
		return "", ErrNotConnected
	}
	t := s.transport
	id := s.state.ID
	s.mu.Unlock()

	msgID, err := t.SendText(ctx, to, text)
	if err != nil {
		return "", &TransportError{InstanceID: id, Op: "send", Err: err}
	}
	if s.deps.dedup != nil {
		s.deps.dedup.Remember(id, msgID)
	}
	return msgID, nil
}
