package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/psds-microservice/repair-service/internal/channels"
	"github.com/psds-microservice/repair-service/internal/errs"
	"github.com/psds-microservice/repair-service/internal/model"
	"github.com/psds-microservice/repair-service/internal/realtime"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Actor — аутентифицированный вызывающий. TechnicianID заполнен только для
// роли technician (валидация токена — внешний коллаборатор).
type Actor struct {
	UserID       uint64
	Role         model.Role
	TechnicianID uint64
}

// EventDispatcher — внешняя рассылка по каналам (для подмены моком в тестах).
type EventDispatcher interface {
	Dispatch(ctx context.Context, p channels.Payload) map[string]bool
}

// EventBus — доставка живых событий подключённым клиентам.
type EventBus interface {
	EmitRequestEvent(t realtime.EventType, req *model.Request, technicianUserID uint64)
	SendToUser(userID uint64, t realtime.EventType, data interface{})
}

// RequestService — движок жизненного цикла заявки. Валидация перехода и
// запись статуса выполняются одним условным UPDATE: из двух конкурирующих
// операций выигрывает ровно одна, проигравшая получает ошибку предусловия.
type RequestService struct {
	db            *gorm.DB
	notifications *NotificationService
	dispatcher    EventDispatcher
	bus           EventBus
	policy        AssignPolicy
	log           zerolog.Logger

	sideEffects sync.WaitGroup
}

func NewRequestService(db *gorm.DB, notifications *NotificationService, dispatcher EventDispatcher, bus EventBus, policy AssignPolicy, log zerolog.Logger) *RequestService {
	if policy == nil {
		policy = DefaultAssignPolicy()
	}
	return &RequestService{
		db:            db,
		notifications: notifications,
		dispatcher:    dispatcher,
		bus:           bus,
		policy:        policy,
		log:           log.With().Str("component", "lifecycle").Logger(),
	}
}

// Drain дожидается завершения запущенных фоновых side-эффектов
// (используется при остановке сервиса и в тестах).
func (s *RequestService) Drain() {
	s.sideEffects.Wait()
}

type CreateInput struct {
	Title       string
	Description string
	CategoryID  uint64
	LocationID  uint64
	Priority    model.Priority
}

// Create заводит заявку в статусе pending.
func (s *RequestService) Create(ctx context.Context, actor Actor, in CreateInput) (*model.Request, error) {
	if actor.Role != model.RoleRequester && actor.Role != model.RoleAdmin {
		return nil, errs.ErrForbidden
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, errs.Invalid("title is required")
	}
	priority := in.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	switch priority {
	case model.PriorityLow, model.PriorityNormal, model.PriorityHigh, model.PriorityUrgent:
	default:
		return nil, errs.Invalid(fmt.Sprintf("unknown priority %q", priority))
	}

	req := &model.Request{
		RequestNumber: newRequestNumber(),
		Title:         in.Title,
		Description:   in.Description,
		CategoryID:    in.CategoryID,
		LocationID:    in.LocationID,
		Priority:      priority,
		Status:        model.RequestStatusPending,
		UserID:        actor.UserID,
	}
	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	s.fanOut("create", req, "")
	return req, nil
}

// Assign назначает исполнителя (только admin). Допустимые исходные статусы:
// pending и rejected — отклонённая заявка переназначается заново.
func (s *RequestService) Assign(ctx context.Context, actor Actor, id, technicianID uint64) (*model.Request, error) {
	if actor.Role != model.RoleAdmin {
		return nil, errs.ErrForbidden
	}
	req, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	var tech model.Technician
	if err := s.db.WithContext(ctx).First(&tech, technicianID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrTechnicianNotFound
		}
		return nil, fmt.Errorf("load technician: %w", err)
	}
	if err := s.policy.CanAssign(ctx, s.db, &tech); err != nil {
		return nil, err
	}
	oldStatus := req.Status
	updated, err := s.transition(ctx, id, "assign", 0,
		[]model.RequestStatus{model.RequestStatusPending, model.RequestStatusRejected},
		map[string]interface{}{
			"status":        model.RequestStatusAssigned,
			"technician_id": technicianID,
			"assigned_at":   time.Now().UTC(),
		})
	if err != nil {
		return nil, err
	}
	s.fanOut("assign", updated, oldStatus)
	return updated, nil
}

// Accept — назначенный исполнитель берёт заявку.
func (s *RequestService) Accept(ctx context.Context, actor Actor, id uint64) (*model.Request, error) {
	req, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeAssignedTechnician(actor, req); err != nil {
		return nil, err
	}
	updated, err := s.transition(ctx, id, "accept", actor.TechnicianID,
		[]model.RequestStatus{model.RequestStatusAssigned},
		map[string]interface{}{
			"status":      model.RequestStatusAccepted,
			"accepted_at": time.Now().UTC(),
		})
	if err != nil {
		return nil, err
	}
	s.fanOut("accept", updated, req.Status)
	return updated, nil
}

// Reject — назначенный исполнитель отклоняет заявку с причиной. Ссылка на
// исполнителя сохраняется для аудита; заявка доступна для переназначения.
func (s *RequestService) Reject(ctx context.Context, actor Actor, id uint64, reason string) (*model.Request, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, errs.Invalid("reject reason is required")
	}
	req, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeAssignedTechnician(actor, req); err != nil {
		return nil, err
	}
	updated, err := s.transition(ctx, id, "reject", actor.TechnicianID,
		[]model.RequestStatus{model.RequestStatusAssigned},
		map[string]interface{}{
			"status":        model.RequestStatusRejected,
			"reject_reason": reason,
		})
	if err != nil {
		return nil, err
	}
	s.fanOut("reject", updated, req.Status)
	return updated, nil
}

// Start переводит заявку в работу. started_at выставляется только если ещё
// пуст: возобновление после on_hold не сбрасывает первоначальное время.
func (s *RequestService) Start(ctx context.Context, actor Actor, id uint64) (*model.Request, error) {
	req, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeAssignedTechnician(actor, req); err != nil {
		return nil, err
	}
	updated, err := s.transition(ctx, id, "start", actor.TechnicianID,
		[]model.RequestStatus{model.RequestStatusAccepted, model.RequestStatusOnHold},
		map[string]interface{}{
			"status":     model.RequestStatusInProgress,
			"started_at": gorm.Expr("COALESCE(started_at, ?)", time.Now().UTC()),
		})
	if err != nil {
		return nil, err
	}
	s.fanOut("start", updated, req.Status)
	return updated, nil
}

// Hold приостанавливает работу по заявке.
func (s *RequestService) Hold(ctx context.Context, actor Actor, id uint64) (*model.Request, error) {
	req, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeAssignedTechnician(actor, req); err != nil {
		return nil, err
	}
	updated, err := s.transition(ctx, id, "hold", actor.TechnicianID,
		[]model.RequestStatus{model.RequestStatusInProgress},
		map[string]interface{}{
			"status": model.RequestStatusOnHold,
		})
	if err != nil {
		return nil, err
	}
	s.fanOut("hold", updated, req.Status)
	return updated, nil
}

// Complete завершает заявку (терминальный статус).
func (s *RequestService) Complete(ctx context.Context, actor Actor, id uint64) (*model.Request, error) {
	req, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeAssignedTechnician(actor, req); err != nil {
		return nil, err
	}
	updated, err := s.transition(ctx, id, "complete", actor.TechnicianID,
		[]model.RequestStatus{model.RequestStatusInProgress, model.RequestStatusOnHold},
		map[string]interface{}{
			"status":       model.RequestStatusCompleted,
			"completed_at": time.Now().UTC(),
		})
	if err != nil {
		return nil, err
	}
	s.fanOut("complete", updated, req.Status)
	return updated, nil
}

// Cancel отменяет заявку: заявитель — только свою, админ — любую. После
// начала работ (in_progress и далее) отмена запрещена.
func (s *RequestService) Cancel(ctx context.Context, actor Actor, id uint64, reason string) (*model.Request, error) {
	req, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != model.RoleAdmin && actor.UserID != req.UserID {
		return nil, errs.ErrForbidden
	}
	updated, err := s.transition(ctx, id, "cancel", 0,
		[]model.RequestStatus{model.RequestStatusPending, model.RequestStatusAssigned, model.RequestStatusAccepted},
		map[string]interface{}{
			"status":        model.RequestStatusCancelled,
			"cancel_reason": reason,
			"cancelled_at":  time.Now().UTC(),
		})
	if err != nil {
		return nil, err
	}
	s.fanOut("cancel", updated, req.Status)
	return updated, nil
}

// GetByID возвращает заявку; мягко удалённые строки неотличимы от отсутствующих.
func (s *RequestService) GetByID(ctx context.Context, id uint64) (*model.Request, error) {
	var req model.Request
	if err := s.db.WithContext(ctx).First(&req, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

// List возвращает заявки по фильтру с пагинацией и общим количеством.
func (s *RequestService) List(ctx context.Context, filter map[string]interface{}, limit, offset int) ([]model.Request, int64, error) {
	var items []model.Request
	var total int64
	tx := s.db.WithContext(ctx).Model(&model.Request{})
	for k, v := range filter {
		tx = tx.Where(k, v)
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

// transition — атомарный условный переход: UPDATE срабатывает, только если
// текущий статус входит в допустимые исходные и, для операций исполнителя
// (technicianID != 0), заявка всё ещё назначена именно на него. Проверка
// авторизации до UPDATE — лишь быстрый отказ по снимку; решающее слово за
// предикатом самого UPDATE. RowsAffected == 0 означает, что строка исчезла,
// статус не подошёл или исполнитель сменился — различаем повторным чтением.
// Новое состояние строки отдаёт RETURNING того же UPDATE, поэтому вызывающий
// получает именно тот образ, который записала его операция.
func (s *RequestService) transition(ctx context.Context, id uint64, op string, technicianID uint64, sources []model.RequestStatus, changes map[string]interface{}) (*model.Request, error) {
	var req model.Request
	tx := s.db.WithContext(ctx).Model(&req).
		Clauses(clause.Returning{}).
		Where("id = ? AND status IN ?", id, sources)
	if technicianID != 0 {
		tx = tx.Where("technician_id = ?", technicianID)
	}
	res := tx.Updates(changes)
	if res.Error != nil {
		return nil, fmt.Errorf("%s request: %w", op, res.Error)
	}
	if res.RowsAffected == 0 {
		cur, err := s.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if technicianID != 0 && (cur.TechnicianID == nil || *cur.TechnicianID != technicianID) {
			return nil, errs.ErrForbidden
		}
		return nil, errs.CannotTransition(op, string(cur.Status))
	}
	return &req, nil
}

// authorizeAssignedTechnician пропускает только исполнителя, назначенного на
// заявку. Несовпадение — FORBIDDEN, отличимый от ошибки предусловия статуса.
// Работает по снимку; между чтением и записью назначение может смениться,
// поэтому условный UPDATE в transition повторяет эту проверку атомарно.
func authorizeAssignedTechnician(actor Actor, req *model.Request) error {
	if actor.Role != model.RoleTechnician || actor.TechnicianID == 0 {
		return errs.ErrForbidden
	}
	if req.TechnicianID == nil || *req.TechnicianID != actor.TechnicianID {
		return errs.ErrForbidden
	}
	return nil
}

func newRequestNumber() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("REQ-%s-%s", time.Now().UTC().Format("20060102"), suffix)
}
