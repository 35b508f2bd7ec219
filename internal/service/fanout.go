package service

import (
	"context"
	"sync"
	"time"

	"github.com/psds-microservice/repair-service/internal/channels"
	"github.com/psds-microservice/repair-service/internal/model"
	"github.com/psds-microservice/repair-service/internal/realtime"
)

// Бюджет времени на side-эффекты одного перехода.
const fanOutTimeout = 15 * time.Second

// fanOut запускает side-эффекты перехода после фиксации статуса: запись
// уведомлений, рассылку по каналам и live-пуш. Всё fire-and-forget
// относительно ответа вызывающему; сбои логируются и никогда не откатывают
// уже зафиксированный переход.
func (s *RequestService) fanOut(op string, req *model.Request, oldStatus model.RequestStatus) {
	snapshot := *req
	s.sideEffects.Add(1)
	go func() {
		defer s.sideEffects.Done()
		ctx, cancel := context.WithTimeout(context.Background(), fanOutTimeout)
		defer cancel()

		ec := s.resolveEventContext(ctx, &snapshot)

		var wg sync.WaitGroup
		s.spawn(&wg, "notification", func() {
			s.notifications.NotifyTransition(ctx, op, &snapshot, ec)
		})
		s.spawn(&wg, "dispatch", func() {
			results := s.dispatcher.Dispatch(ctx, payloadFor(op, &snapshot, ec, oldStatus))
			s.log.Debug().
				Str("op", op).
				Str("request_number", snapshot.RequestNumber).
				Interface("channels", results).
				Msg("dispatched to external channels")
		})
		s.spawn(&wg, "realtime", func() {
			s.bus.EmitRequestEvent(eventTypeFor(op), &snapshot, ec.TechnicianUserID)
		})
		wg.Wait()
	}()
}

// spawn изолирует один side-эффект: паника внутри гасится и логируется,
// соседние эффекты продолжают работать.
func (s *RequestService) spawn(wg *sync.WaitGroup, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Str("side_effect", name).Interface("panic", r).Msg("side effect panicked")
			}
		}()
		fn()
	}()
}

// eventContext — человекочитаемый контекст события, разрешённый из хранилища:
// имена сторон и ярлыки категории/локации для уведомлений и каналов.
type eventContext struct {
	RequesterName    string
	TechnicianName   string
	TechnicianUserID uint64
	CategoryName     string
	LocationName     string
}

// resolveEventContext собирает контекст best-effort: недостающее имя — не
// причина не доставить событие.
func (s *RequestService) resolveEventContext(ctx context.Context, req *model.Request) eventContext {
	var ec eventContext

	var requester model.User
	if err := s.db.WithContext(ctx).First(&requester, req.UserID).Error; err == nil {
		ec.RequesterName = requester.Name
	} else {
		s.log.Warn().Err(err).Uint64("user_id", req.UserID).Msg("resolve requester")
	}

	if req.TechnicianID != nil {
		var tech model.Technician
		if err := s.db.WithContext(ctx).First(&tech, *req.TechnicianID).Error; err == nil {
			ec.TechnicianUserID = tech.UserID
			var techUser model.User
			if err := s.db.WithContext(ctx).First(&techUser, tech.UserID).Error; err == nil {
				ec.TechnicianName = techUser.Name
			}
		} else {
			s.log.Warn().Err(err).Uint64("technician_id", *req.TechnicianID).Msg("resolve technician")
		}
	}

	var category model.Category
	if err := s.db.WithContext(ctx).First(&category, req.CategoryID).Error; err == nil {
		ec.CategoryName = category.Name
	}
	var location model.Location
	if err := s.db.WithContext(ctx).First(&location, req.LocationID).Error; err == nil {
		ec.LocationName = location.Name
	}
	return ec
}

// payloadFor строит канальную полезную нагрузку по операции перехода.
func payloadFor(op string, req *model.Request, ec eventContext, oldStatus model.RequestStatus) channels.Payload {
	switch op {
	case "create":
		return channels.NewRequest{
			RequestNumber: req.RequestNumber,
			Title:         req.Title,
			RequesterName: ec.RequesterName,
			Category:      ec.CategoryName,
			Location:      ec.LocationName,
			Priority:      string(req.Priority),
		}
	case "assign":
		return channels.Assigned{RequestNumber: req.RequestNumber, Title: req.Title, TechnicianName: ec.TechnicianName}
	case "accept":
		return channels.Accepted{RequestNumber: req.RequestNumber, Title: req.Title, TechnicianName: ec.TechnicianName}
	case "start":
		return channels.Started{RequestNumber: req.RequestNumber, Title: req.Title, TechnicianName: ec.TechnicianName}
	case "complete":
		return channels.Completed{RequestNumber: req.RequestNumber, Title: req.Title, TechnicianName: ec.TechnicianName}
	case "cancel":
		return channels.Cancelled{RequestNumber: req.RequestNumber, Title: req.Title, Reason: req.CancelReason}
	case "reject":
		return channels.Rejected{RequestNumber: req.RequestNumber, Title: req.Title, TechnicianName: ec.TechnicianName, Reason: req.RejectReason}
	default:
		return channels.StatusChanged{
			RequestNumber: req.RequestNumber,
			Title:         req.Title,
			OldStatus:     string(oldStatus),
			NewStatus:     string(req.Status),
		}
	}
}

// eventTypeFor отображает операцию на тип live-события.
func eventTypeFor(op string) realtime.EventType {
	switch op {
	case "create":
		return realtime.EventRequestCreated
	case "assign":
		return realtime.EventRequestAssigned
	case "complete":
		return realtime.EventRequestCompleted
	default:
		return realtime.EventRequestStatusChanged
	}
}
