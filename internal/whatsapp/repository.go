package whatsapp

import (
	"context"
	"errors"
	"time"

	EventBus "github.com/asaskevich/EventBus"
	pkgerrors "github.com/pkg/errors"
	"github.com/talkincode/wahub/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GormInstanceRepository persists instance snapshots and device bindings.
type GormInstanceRepository struct {
	db     *gorm.DB
	nextID func() int64
}

var _ DeviceDirectory = (*GormInstanceRepository)(nil)

// NewGormInstanceRepository stores rows in db, keyed by ids drawn from nextID.
func NewGormInstanceRepository(db *gorm.DB, nextID func() int64) *GormInstanceRepository {
	return &GormInstanceRepository{db: db, nextID: nextID}
}

func snapshotColumns(s Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"owner_ref":              s.OwnerRef,
		"phone":                  s.Phone,
		"name":                   s.DisplayName,
		"status":                 string(s.Status),
		"attempt_count":          s.AttemptCount,
		"intentional_disconnect": s.IntentionalDisconnect,
		"last_error":             s.LastError,
		"last_update":            s.LastUpdate,
	}
}

// Save upserts the latest snapshot. The bound device jid is left untouched.
func (r *GormInstanceRepository) Save(ctx context.Context, s Snapshot) error {
	res := r.db.WithContext(ctx).Model(&domain.WhatsAppInstance{}).
		Where("instance_id = ?", s.ID).
		Updates(snapshotColumns(s))
	if res.Error != nil {
		return pkgerrors.Wrapf(res.Error, "update instance %s", s.ID)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	row := &domain.WhatsAppInstance{
		ID:                    r.nextID(),
		InstanceId:            s.ID,
		OwnerRef:              s.OwnerRef,
		Phone:                 s.Phone,
		Name:                  s.DisplayName,
		Status:                string(s.Status),
		AttemptCount:          s.AttemptCount,
		IntentionalDisconnect: s.IntentionalDisconnect,
		LastError:             s.LastError,
		LastUpdate:            s.LastUpdate,
	}
	return pkgerrors.Wrapf(r.db.WithContext(ctx).Create(row).Error, "create instance %s", s.ID)
}

func (r *GormInstanceRepository) Delete(ctx context.Context, instanceID string) error {
	err := r.db.WithContext(ctx).Where("instance_id = ?", instanceID).Delete(&domain.WhatsAppInstance{}).Error
	return pkgerrors.Wrapf(err, "delete instance %s", instanceID)
}

func (r *GormInstanceRepository) List(ctx context.Context) ([]domain.WhatsAppInstance, error) {
	var rows []domain.WhatsAppInstance
	err := r.db.WithContext(ctx).Order("instance_id").Find(&rows).Error
	return rows, pkgerrors.Wrap(err, "list instances")
}

// RecoveryRecords lists the instances that should be supervised again after
// a restart. Logged out and intentionally disconnected instances stay down.
func (r *GormInstanceRepository) RecoveryRecords(ctx context.Context) ([]RecoveryRecord, error) {
	var rows []domain.WhatsAppInstance
	err := r.db.WithContext(ctx).
		Where("status NOT IN ?", []string{string(StatusDeleted), string(StatusLoggedOut)}).
		Where("intentional_disconnect = ?", false).
		Order("instance_id").
		Find(&rows).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "query recoverable instances")
	}
	records := make([]RecoveryRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, RecoveryRecord{ID: row.InstanceId, OwnerRef: row.OwnerRef})
	}
	return records, nil
}

func (r *GormInstanceRepository) DeviceJID(ctx context.Context, instanceID string) (string, error) {
	var row domain.WhatsAppInstance
	err := r.db.WithContext(ctx).Select("jid").Where("instance_id = ?", instanceID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", pkgerrors.Wrapf(err, "device jid of %s", instanceID)
	}
	return row.Jid, nil
}

func (r *GormInstanceRepository) BindDevice(ctx context.Context, instanceID, jid string) error {
	res := r.db.WithContext(ctx).Model(&domain.WhatsAppInstance{}).
		Where("instance_id = ?", instanceID).
		Update("jid", jid)
	if res.Error != nil {
		return pkgerrors.Wrapf(res.Error, "bind device of %s", instanceID)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	row := &domain.WhatsAppInstance{
		ID:         r.nextID(),
		InstanceId: instanceID,
		Jid:        jid,
		Status:     string(StatusConnected),
		LastUpdate: time.Now(),
	}
	return pkgerrors.Wrapf(r.db.WithContext(ctx).Create(row).Error, "bind device of %s", instanceID)
}

// BoundJIDs lists every device jid owned by a stored instance.
func (r *GormInstanceRepository) BoundJIDs(ctx context.Context) ([]string, error) {
	var jids []string
	err := r.db.WithContext(ctx).Model(&domain.WhatsAppInstance{}).
		Where("jid <> ''").
		Pluck("jid", &jids).Error
	return jids, pkgerrors.Wrap(err, "list bound devices")
}

// Subscribe persists every snapshot published on bus, in publish order.
func (r *GormInstanceRepository) Subscribe(bus EventBus.Bus) error {
	return bus.SubscribeAsync(TopicInstanceChanged, r.onChanged, true)
}

func (r *GormInstanceRepository) Unsubscribe(bus EventBus.Bus) error {
	return bus.Unsubscribe(TopicInstanceChanged, r.onChanged)
}

func (r *GormInstanceRepository) onChanged(s Snapshot) {
	defer func() {
		if err := recover(); err != nil {
			zap.L().Error("whatsapp: persist panic", zap.Any("panic", err))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if s.Status == StatusDeleted {
		err = r.Delete(ctx, s.ID)
	} else {
		err = r.Save(ctx, s)
	}
	if err != nil {
		zap.L().Error("whatsapp: persist instance failed",
			zap.String("instance_id", s.ID),
			zap.String("status", string(s.Status)),
			zap.Error(err))
	}
}
