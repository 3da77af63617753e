package whatsapp

import (
	"context"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/wahub/internal/app"
	"go.uber.org/zap"
)

// Service wires the instance manager to persistence, webhooks and the scheduler.
type Service struct {
	app        app.AppContext
	manager    *Manager
	dispatcher *Dispatcher
	repo       *GormInstanceRepository
	pruner     orphanPruner

	mu         sync.Mutex
	syncJob    cron.EntryID
	cleanupJob cron.EntryID
}

type orphanPruner interface {
	PruneOrphans(ctx context.Context) (int, error)
}

// sqlstoreDialect maps the configured database type onto a sqlstore dialect.
func sqlstoreDialect(dbType string) string {
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "postgres", "postgresql":
		return "postgres"
	default:
		return "sqlite3"
	}
}

// New builds the service on the application's database, reusing its handle
// for the session store so both live in the same database.
func New(a app.AppContext) (*Service, error) {
	cfg := a.Config()
	sqlDB, err := a.DB().DB()
	if err != nil {
		zap.L().Error("whatsapp: failed to get sql.DB from gorm", zap.Error(err))
		return nil, errors.Wrap(err, "failed to obtain underlying sql.DB")
	}

	dialect := sqlstoreDialect(cfg.Database.Type)
	if dialect == "sqlite3" {
		if _, err := sqlDB.ExecContext(context.Background(), "PRAGMA foreign_keys = ON;"); err != nil {
			zap.L().Warn("whatsapp: unable to enable sqlite foreign_keys pragma", zap.Error(err))
		}
	}

	repo := NewGormInstanceRepository(a.DB(), a.NextID)
	factory, err := NewWhatsmeowFactory(context.Background(), sqlDB, dialect, repo)
	if err != nil {
		zap.L().Error("whatsapp: sqlstore.Upgrade failed", zap.Error(err), zap.String("driver", dialect))
		return nil, err
	}

	dispatcher, err := NewDispatcher(DispatcherConfigFromConfig(cfg.Webhook))
	if err != nil {
		return nil, errors.Wrap(err, "webhook dispatcher")
	}
	if len(cfg.Webhook.Endpoints) == 0 {
		zap.L().Warn("webhook: no endpoints configured, events will be discarded")
	}

	manager := NewManager(Options{
		Factory:      factory,
		Policy:       ReconnectPolicyFromConfig(cfg.Reconnect),
		Dedup:        NewSentMessageCache(cfg.Dedup.TTL, cfg.Dedup.CleanupInterval),
		Media:        NewMediaExtractor(cfg.Media.InlineMaxBytes, cfg.Media.FetchTimeout),
		QR:           QROptionsFromConfig(cfg.QRCode),
		Publisher:    dispatcher,
		Bus:          a.Bus(),
		Avatar:       HTTPAvatarFetcher(cfg.Media.FetchTimeout),
		IgnoreGroups: cfg.Message.IgnoreGroups,
	})

	if err := repo.Subscribe(a.Bus()); err != nil {
		return nil, errors.Wrap(err, "subscribe instance repository")
	}

	svc := &Service{app: a, manager: manager, dispatcher: dispatcher, repo: repo, pruner: factory}
	setGlobalService(svc)
	return svc, nil
}

// Start begins webhook delivery, recovers persisted instances and schedules
// the periodic jobs.
func (s *Service) Start(ctx context.Context) error {
	s.dispatcher.Start(ctx)

	records, err := s.repo.RecoveryRecords(ctx)
	if err != nil {
		zap.L().Error("whatsapp: load persisted instances failed", zap.Error(err))
	} else {
		n := s.manager.Recover(ctx, records)
		zap.L().Info("whatsapp: recovery started", zap.Int("instances", n))
	}

	cfg := s.app.Config().Sync
	id, err := s.schedule(cfg.Interval, "sync", s.SchedSyncTask)
	if err != nil {
		return err
	}
	var cleanup cron.EntryID
	if s.pruner != nil {
		if cleanup, err = s.schedule(cfg.CleanupInterval, "cleanup", s.SchedCleanupTask); err != nil {
			if id != 0 {
				s.app.Scheduler().Remove(id)
			}
			return err
		}
	}
	s.mu.Lock()
	s.syncJob, s.cleanupJob = id, cleanup
	s.mu.Unlock()
	return nil
}

// schedule registers job under spec; an empty spec disables it.
func (s *Service) schedule(spec, name string, job func()) (cron.EntryID, error) {
	if spec == "" {
		return 0, nil
	}
	if _, err := app.ParseSchedule(spec); err != nil {
		return 0, errors.Wrapf(err, "invalid %s interval %q", name, spec)
	}
	sched := s.app.Scheduler()
	if sched == nil {
		return 0, nil
	}
	id, err := sched.AddFunc(spec, job)
	return id, errors.Wrapf(err, "schedule %s", name)
}

// SchedSyncTask re-publishes the state of every instance.
func (s *Service) SchedSyncTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	n := s.manager.PublishSnapshots()
	zap.L().Debug("whatsapp: periodic sync published", zap.Int("instances", n))
}

// SchedCleanupTask removes stored sessions that no instance owns.
func (s *Service) SchedCleanupTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := s.pruner.PruneOrphans(ctx)
	if err != nil {
		zap.L().Error("whatsapp: orphan session cleanup failed", zap.Error(err))
		return
	}
	zap.L().Info("whatsapp: orphan sessions removed", zap.Int("count", n))
}

// Stop closes every session, drains pending webhooks and flushes persistence.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if sched := s.app.Scheduler(); sched != nil {
		for _, id := range []cron.EntryID{s.syncJob, s.cleanupJob} {
			if id != 0 {
				sched.Remove(id)
			}
		}
	}
	s.syncJob, s.cleanupJob = 0, 0
	s.mu.Unlock()

	err := s.manager.Shutdown(ctx)
	if derr := s.dispatcher.Stop(ctx); derr != nil && err == nil {
		err = derr
	}
	s.app.Bus().WaitAsync()
	_ = s.repo.Unsubscribe(s.app.Bus())
	setGlobalService(nil)
	return err
}

func (s *Service) Manager() *Manager {
	return s.manager
}

func (s *Service) Dispatcher() *Dispatcher {
	return s.dispatcher
}

func (s *Service) Repository() *GormInstanceRepository {
	return s.repo
}

// package-level global reference for the running service instance
var globalSvc *Service
var globalSvcLock sync.RWMutex

func setGlobalService(s *Service) {
	globalSvcLock.Lock()
	defer globalSvcLock.Unlock()
	globalSvc = s
}

// Get returns the running WhatsApp service instance or nil if not
// initialized.
func Get() *Service {
	globalSvcLock.RLock()
	defer globalSvcLock.RUnlock()
	return globalSvc
}
