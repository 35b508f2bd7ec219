package service

import (
	"context"
	"time"

	"github.com/psds-microservice/repair-service/internal/errs"
	"github.com/psds-microservice/repair-service/internal/model"
	"gorm.io/gorm"
)

// AssignPolicy — подключаемая проверка пригодности исполнителя при
// назначении. Политика, а не инвариант машины состояний: её можно заменить
// или отключить, не трогая таблицу переходов.
type AssignPolicy interface {
	CanAssign(ctx context.Context, db *gorm.DB, tech *model.Technician) error
}

// DefaultAssignPolicy учитывает доступность и дневной лимит исполнителя.
func DefaultAssignPolicy() AssignPolicy {
	return capacityPolicy{}
}

// PermitAllPolicy пропускает любого исполнителя (тесты, аварийный режим).
func PermitAllPolicy() AssignPolicy {
	return permitAll{}
}

type capacityPolicy struct{}

func (capacityPolicy) CanAssign(ctx context.Context, db *gorm.DB, tech *model.Technician) error {
	if !tech.IsAvailable {
		return errs.TechnicianUnavailable("technician is not available")
	}
	if tech.MaxJobsPerDay <= 0 {
		return nil
	}
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	var assignedToday int64
	err := db.WithContext(ctx).Model(&model.Request{}).
		Where("technician_id = ? AND assigned_at >= ?", tech.ID, dayStart).
		Where("status NOT IN ?", []model.RequestStatus{model.RequestStatusCancelled, model.RequestStatusRejected}).
		Count(&assignedToday).Error
	if err != nil {
		return err
	}
	if assignedToday >= int64(tech.MaxJobsPerDay) {
		return errs.TechnicianUnavailable("technician reached daily job limit")
	}
	return nil
}

type permitAll struct{}

func (permitAll) CanAssign(context.Context, *gorm.DB, *model.Technician) error { return nil }
