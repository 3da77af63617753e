package whatsapp

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	EventBus "github.com/asaskevich/EventBus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TopicInstanceChanged carries a Snapshot after every status change.
const TopicInstanceChanged = "whatsapp:instance:changed"

const userServer = "s.whatsapp.net"

var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,63}$`)

// Options wires a Manager. Factory is required; everything else has defaults.
type Options struct {
	Factory      TransportFactory
	Policy       ReconnectPolicy
	Dedup        *SentMessageCache
	Media        *MediaExtractor
	QR           QROptions
	Publisher    EventPublisher
	Bus          EventBus.Bus
	Clock        Clock
	Avatar       AvatarFetcher
	IgnoreGroups bool
}

// ConnectionStats summarises the registry.
type ConnectionStats struct {
	Total          int            `json:"total"`
	ByStatus       map[Status]int `json:"byStatus"`
	ActiveAttempts map[string]int `json:"activeAttempts"`
	Since          time.Time      `json:"since"`
}

// RecoveryRecord identifies an instance to bring back after a restart.
type RecoveryRecord struct {
	ID       string
	OwnerRef string
}

// Manager is the registry of supervised instances.
type Manager struct {
	deps    *supervisorDeps
	bus     EventBus.Bus
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	mu   sync.RWMutex
	sups map[string]*Supervisor
}

func NewManager(opts Options) *Manager {
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = DefaultReconnectPolicy()
	}
	if opts.Dedup == nil {
		opts.Dedup = NewSentMessageCache(0, 0)
	}
	if opts.Media == nil {
		opts.Media = NewMediaExtractor(0, 0)
	}
	if opts.QR.Size == 0 {
		opts.QR = DefaultQROptions()
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		bus:     opts.Bus,
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now(),
		sups:    make(map[string]*Supervisor),
	}
	m.deps = &supervisorDeps{
		factory:      opts.Factory,
		policy:       opts.Policy,
		dedup:        opts.Dedup,
		media:        opts.Media,
		qr:           opts.QR,
		publisher:    opts.Publisher,
		clock:        opts.Clock,
		avatar:       opts.Avatar,
		ignoreGroups: opts.IgnoreGroups,
		onChange:     m.notify,
	}
	return m
}

func (m *Manager) notify(s Snapshot) {
	if m.bus != nil {
		m.bus.Publish(TopicInstanceChanged, s)
	}
}

// Create registers a new instance and starts pairing in the background.
func (m *Manager) Create(ctx context.Context, id, ownerRef string) (Snapshot, error) {
	if !instanceIDPattern.MatchString(id) {
		return Snapshot{}, ErrInvalidID
	}
	m.mu.Lock()
	if _, ok := m.sups[id]; ok {
		m.mu.Unlock()
		return Snapshot{}, ErrAlreadyExists
	}
	sup := newSupervisor(m.ctx, id, ownerRef, m.deps)
	m.sups[id] = sup
	m.mu.Unlock()

	snap := sup.Snapshot()
	m.notify(snap)
	zap.L().Info("whatsapp: instance created", zap.String("instance_id", id), zap.String("owner_ref", ownerRef))
	go sup.openSession()
	return snap, nil
}

// Recover re-creates persisted instances that are not yet registered.
func (m *Manager) Recover(ctx context.Context, records []RecoveryRecord) int {
	n := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		m.mu.Lock()
		if _, ok := m.sups[rec.ID]; ok || !instanceIDPattern.MatchString(rec.ID) {
			m.mu.Unlock()
			continue
		}
		sup := newSupervisor(m.ctx, rec.ID, rec.OwnerRef, m.deps)
		m.sups[rec.ID] = sup
		m.mu.Unlock()

		zap.L().Info("whatsapp: recovering instance", zap.String("instance_id", rec.ID))
		go sup.openSession()
		n++
	}
	return n
}

func (m *Manager) get(id string) (*Supervisor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sup, ok := m.sups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sup, nil
}

// Delete tears an instance down and forgets it along with its stored session.
func (m *Manager) Delete(ctx context.Context, id string) error {
	sup, err := m.get(id)
	if err != nil {
		return err
	}
	sup.Delete()

	// the id stays taken until the stored session is gone so a new pairing
	// under the same id cannot be removed by this delete
	if remover, ok := m.deps.factory.(SessionRemover); ok {
		if err := remover.RemoveSession(ctx, id); err != nil {
			zap.L().Warn("whatsapp: remove session failed", zap.String("instance_id", id), zap.Error(err))
		}
	}

	m.mu.Lock()
	if m.sups[id] == sup {
		delete(m.sups, id)
	}
	m.mu.Unlock()
	zap.L().Info("whatsapp: instance deleted", zap.String("instance_id", id))
	return nil
}

func (m *Manager) Status(id string) (Snapshot, error) {
	sup, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return sup.Snapshot(), nil
}

func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	sups := make([]*Supervisor, 0, len(m.sups))
	for _, sup := range m.sups {
		sups = append(sups, sup)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(sups))
	for _, sup := range sups {
		out = append(out, sup.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkIntentionalDisconnect stops automatic reconnection for id.
func (m *Manager) MarkIntentionalDisconnect(id string) error {
	sup, err := m.get(id)
	if err != nil {
		return err
	}
	sup.MarkIntentional()
	return nil
}

// Disconnect closes the session of id without deleting it.
func (m *Manager) Disconnect(id string) error {
	sup, err := m.get(id)
	if err != nil {
		return err
	}
	return sup.Disconnect()
}

// Send delivers a text message from instance id. to may be a bare phone number.
func (m *Manager) Send(ctx context.Context, id, to, text string) (string, error) {
	sup, err := m.get(id)
	if err != nil {
		return "", err
	}
	jid, err := NormalizeRecipient(to)
	if err != nil {
		return "", err
	}
	return sup.Send(ctx, jid, text)
}

// NormalizeRecipient turns a phone number into a user address; full
// addresses are returned unchanged.
func NormalizeRecipient(to string) (string, error) {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		return to, nil
	}
	var b strings.Builder
	for _, r := range to {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", ErrInvalidRecipient
	}
	return b.String() + "@" + userServer, nil
}

func (m *Manager) Stats() ConnectionStats {
	st := ConnectionStats{
		ByStatus:       make(map[Status]int),
		ActiveAttempts: make(map[string]int),
		Since:          m.started,
	}
	for _, s := range m.List() {
		st.Total++
		st.ByStatus[s.Status]++
		if s.Status == StatusReconnecting {
			st.ActiveAttempts[s.ID] = s.AttemptCount
		}
	}
	return st
}

// PublishSnapshots re-sends the current state of every instance.
func (m *Manager) PublishSnapshots() int {
	snaps := m.List()
	for _, s := range snaps {
		if m.deps.publisher != nil {
			m.deps.publisher.Enqueue(newConnectionEvent(s, "", true))
		}
	}
	return len(snaps)
}

// Shutdown closes every transport. Recorded statuses are kept for recovery.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sups := make([]*Supervisor, 0, len(m.sups))
	for _, sup := range m.sups {
		sups = append(sups, sup)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, sup := range sups {
		sup := sup
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				sup.Shutdown()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	err := g.Wait()
	m.cancel()
	zap.L().Info("whatsapp: manager shut down", zap.Int("instances", len(sups)))
	return err
}
