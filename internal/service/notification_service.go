package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/psds-microservice/repair-service/internal/errs"
	"github.com/psds-microservice/repair-service/internal/model"
	"github.com/psds-microservice/repair-service/internal/realtime"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// NotificationService пишет уведомления как side-эффект переходов и отдаёт
// их читающему коллаборатору (лента уведомлений пользователя).
type NotificationService struct {
	db  *gorm.DB
	bus EventBus
	log zerolog.Logger
}

func NewNotificationService(db *gorm.DB, bus EventBus, log zerolog.Logger) *NotificationService {
	return &NotificationService{
		db:  db,
		bus: bus,
		log: log.With().Str("component", "notifications").Logger(),
	}
}

// NotifyTransition пишет по одному уведомлению каждому адресату перехода и
// пушит notification:new в его живые сессии. Сбой записи логируется и не
// влияет ни на переход, ни на других адресатов.
func (s *NotificationService) NotifyTransition(ctx context.Context, op string, req *model.Request, ec eventContext) {
	ntype, title, message := notificationText(op, req, ec)
	for _, userID := range s.recipients(ctx, op, req, ec) {
		n := &model.Notification{
			UserID:  userID,
			Type:    ntype,
			Title:   title,
			Message: message,
			Link:    fmt.Sprintf("/requests/%d", req.ID),
		}
		if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
			s.log.Error().Err(err).Uint64("user_id", userID).Str("op", op).Msg("write notification")
			continue
		}
		s.bus.SendToUser(userID, realtime.EventNotificationNew, n)
	}
}

// recipients: создание — администраторам; назначение — заявителю и
// исполнителю; отклонение — заявителю и администраторам (им переназначать);
// остальные переходы — заявителю.
func (s *NotificationService) recipients(ctx context.Context, op string, req *model.Request, ec eventContext) []uint64 {
	switch op {
	case "create":
		return s.adminIDs(ctx)
	case "assign":
		ids := []uint64{req.UserID}
		if ec.TechnicianUserID != 0 {
			ids = append(ids, ec.TechnicianUserID)
		}
		return ids
	case "reject":
		ids := []uint64{req.UserID}
		for _, id := range s.adminIDs(ctx) {
			if id != req.UserID {
				ids = append(ids, id)
			}
		}
		return ids
	default:
		return []uint64{req.UserID}
	}
}

func (s *NotificationService) adminIDs(ctx context.Context) []uint64 {
	var ids []uint64
	if err := s.db.WithContext(ctx).Model(&model.User{}).
		Where("role = ?", model.RoleAdmin).Pluck("id", &ids).Error; err != nil {
		s.log.Error().Err(err).Msg("list admins")
	}
	return ids
}

func notificationText(op string, req *model.Request, ec eventContext) (model.NotificationType, string, string) {
	switch op {
	case "create":
		return model.NotificationRequestCreated, "Новая заявка",
			fmt.Sprintf("Заявка %s «%s» от %s ожидает назначения", req.RequestNumber, req.Title, ec.RequesterName)
	case "assign":
		return model.NotificationRequestAssigned, "Заявка назначена",
			fmt.Sprintf("Заявка %s назначена исполнителю %s", req.RequestNumber, ec.TechnicianName)
	case "accept":
		return model.NotificationRequestAccepted, "Заявка принята",
			fmt.Sprintf("Исполнитель %s принял заявку %s", ec.TechnicianName, req.RequestNumber)
	case "reject":
		return model.NotificationRequestRejected, "Заявка отклонена",
			fmt.Sprintf("Исполнитель %s отклонил заявку %s: %s", ec.TechnicianName, req.RequestNumber, req.RejectReason)
	case "start":
		return model.NotificationRequestStarted, "Работы начаты",
			fmt.Sprintf("По заявке %s начаты работы", req.RequestNumber)
	case "hold":
		return model.NotificationRequestOnHold, "Работы приостановлены",
			fmt.Sprintf("Работы по заявке %s приостановлены", req.RequestNumber)
	case "complete":
		return model.NotificationRequestCompleted, "Заявка выполнена",
			fmt.Sprintf("Заявка %s выполнена, можно оценить работу", req.RequestNumber)
	case "cancel":
		return model.NotificationRequestCancelled, "Заявка отменена",
			fmt.Sprintf("Заявка %s отменена", req.RequestNumber)
	default:
		return model.NotificationRequestCreated, "Заявка обновлена",
			fmt.Sprintf("Статус заявки %s: %s", req.RequestNumber, req.Status)
	}
}

// ListByUser возвращает уведомления пользователя, свежие первыми.
func (s *NotificationService) ListByUser(ctx context.Context, userID uint64, onlyUnread bool, limit, offset int) ([]model.Notification, int64, error) {
	var items []model.Notification
	var total int64
	tx := s.db.WithContext(ctx).Model(&model.Notification{}).Where("user_id = ?", userID)
	if onlyUnread {
		tx = tx.Where("is_read = ?", false)
	}
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if offset > 0 {
		tx = tx.Offset(offset)
	}
	if err := tx.Order("created_at DESC").Find(&items).Error; err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// MarkRead помечает уведомление прочитанным; чужое уведомление — NOT_FOUND.
func (s *NotificationService) MarkRead(ctx context.Context, userID, id uint64) error {
	res := s.db.WithContext(ctx).Model(&model.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.ErrNotificationNotFound
	}
	return nil
}

// MarkAllRead помечает все уведомления пользователя прочитанными.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID uint64) error {
	err := s.db.WithContext(ctx).Model(&model.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Update("is_read", true).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return nil
}
