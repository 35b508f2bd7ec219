package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/psds-microservice/repair-service/internal/channels"
	"github.com/psds-microservice/repair-service/internal/errs"
	"github.com/psds-microservice/repair-service/internal/model"
	"github.com/psds-microservice/repair-service/internal/realtime"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	payloads []channels.Payload
}

func (f *fakeDispatcher) Dispatch(_ context.Context, p channels.Payload) map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	return map[string]bool{"fake": true}
}

func (f *fakeDispatcher) kinds() []channels.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]channels.Kind, len(f.payloads))
	for i, p := range f.payloads {
		out[i] = p.Kind()
	}
	return out
}

type emittedEvent struct {
	Type       realtime.EventType
	RequestID  uint64
	TechUserID uint64
}

type fakeBus struct {
	mu     sync.Mutex
	events []emittedEvent
	pushes map[uint64]int // userID -> количество notification:new
}

func (f *fakeBus) EmitRequestEvent(t realtime.EventType, req *model.Request, technicianUserID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emittedEvent{Type: t, RequestID: req.ID, TechUserID: technicianUserID})
}

func (f *fakeBus) SendToUser(userID uint64, t realtime.EventType, _ interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushes == nil {
		f.pushes = make(map[uint64]int)
	}
	if t == realtime.EventNotificationNew {
		f.pushes[userID]++
	}
}

func (f *fakeBus) eventTypes() []realtime.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]realtime.EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

type testEnv struct {
	db         *gorm.DB
	svc        *RequestService
	notes      *NotificationService
	dispatcher *fakeDispatcher
	bus        *fakeBus

	requester model.User
	techUser  model.User
	admin     model.User
	tech      model.Technician
	category  model.Category
	location  model.Location
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "repair.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.User{}, &model.Technician{}, &model.Category{}, &model.Location{},
		&model.Request{}, &model.Notification{},
	))

	env := &testEnv{
		db:         db,
		dispatcher: &fakeDispatcher{},
		bus:        &fakeBus{},
		requester:  model.User{Name: "Петров", Role: model.RoleRequester},
		techUser:   model.User{Name: "Иванов", Role: model.RoleTechnician},
		admin:      model.User{Name: "Сидорова", Role: model.RoleAdmin},
		category:   model.Category{Name: "Сантехника"},
		location:   model.Location{Name: "Корпус А"},
	}
	require.NoError(t, db.Create(&env.requester).Error)
	require.NoError(t, db.Create(&env.techUser).Error)
	require.NoError(t, db.Create(&env.admin).Error)
	require.NoError(t, db.Create(&env.category).Error)
	require.NoError(t, db.Create(&env.location).Error)
	env.tech = model.Technician{UserID: env.techUser.ID, IsAvailable: true}
	require.NoError(t, db.Create(&env.tech).Error)

	env.notes = NewNotificationService(db, env.bus, zerolog.Nop())
	env.svc = NewRequestService(db, env.notes, env.dispatcher, env.bus, DefaultAssignPolicy(), zerolog.Nop())
	return env
}

func (e *testEnv) requesterActor() Actor {
	return Actor{UserID: e.requester.ID, Role: model.RoleRequester}
}

func (e *testEnv) adminActor() Actor {
	return Actor{UserID: e.admin.ID, Role: model.RoleAdmin}
}

func (e *testEnv) techActor() Actor {
	return Actor{UserID: e.techUser.ID, Role: model.RoleTechnician, TechnicianID: e.tech.ID}
}

func (e *testEnv) createRequest(t *testing.T) *model.Request {
	t.Helper()
	req, err := e.svc.Create(context.Background(), e.requesterActor(), CreateInput{
		Title:      "Протекает кран",
		CategoryID: e.category.ID,
		LocationID: e.location.ID,
	})
	require.NoError(t, err)
	return req
}

// notificationsFor считает уведомления пользователя после Drain.
func (e *testEnv) notificationsFor(t *testing.T, userID uint64) int64 {
	t.Helper()
	e.svc.Drain()
	var n int64
	require.NoError(t, e.db.Model(&model.Notification{}).Where("user_id = ?", userID).Count(&n).Error)
	return n
}

func TestFullLifecycleScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := env.createRequest(t)
	assert.Equal(t, model.RequestStatusPending, req.Status)
	assert.NotEmpty(t, req.RequestNumber)
	assert.Equal(t, model.PriorityNormal, req.Priority)
	// Создание уведомляет администраторов, не заявителя.
	assert.EqualValues(t, 0, env.notificationsFor(t, env.requester.ID))
	assert.EqualValues(t, 1, env.notificationsFor(t, env.admin.ID))

	req, err := env.svc.Assign(ctx, env.adminActor(), req.ID, env.tech.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusAssigned, req.Status)
	require.NotNil(t, req.TechnicianID)
	assert.Equal(t, env.tech.ID, *req.TechnicianID)
	assert.NotNil(t, req.AssignedAt)
	assert.EqualValues(t, 1, env.notificationsFor(t, env.requester.ID))

	req, err = env.svc.Accept(ctx, env.techActor(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusAccepted, req.Status)
	assert.NotNil(t, req.AcceptedAt)
	assert.EqualValues(t, 2, env.notificationsFor(t, env.requester.ID))

	req, err = env.svc.Start(ctx, env.techActor(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusInProgress, req.Status)
	assert.NotNil(t, req.StartedAt)
	assert.EqualValues(t, 3, env.notificationsFor(t, env.requester.ID))

	req, err = env.svc.Complete(ctx, env.techActor(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusCompleted, req.Status)
	assert.NotNil(t, req.CompletedAt)
	assert.EqualValues(t, 4, env.notificationsFor(t, env.requester.ID))

	env.svc.Drain()
	assert.Equal(t, []channels.Kind{
		channels.KindNewRequest, channels.KindAssigned, channels.KindAccepted,
		channels.KindStarted, channels.KindCompleted,
	}, env.dispatcher.kinds())
	assert.Equal(t, []realtime.EventType{
		realtime.EventRequestCreated, realtime.EventRequestAssigned,
		realtime.EventRequestStatusChanged, realtime.EventRequestStatusChanged,
		realtime.EventRequestCompleted,
	}, env.bus.eventTypes())
	// Каждое уведомление продублировано live-пушем notification:new.
	assert.Equal(t, 4, env.bus.pushes[env.requester.ID])
}

func TestRejectedRequestIsReassignable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := env.createRequest(t)
	req, err := env.svc.Assign(ctx, env.adminActor(), req.ID, env.tech.ID)
	require.NoError(t, err)

	req, err = env.svc.Reject(ctx, env.techActor(), req.ID, "нет запчастей")
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusRejected, req.Status)
	assert.Equal(t, "нет запчастей", req.RejectReason)
	// Ссылка на исполнителя сохраняется для аудита.
	require.NotNil(t, req.TechnicianID)
	assert.Equal(t, env.tech.ID, *req.TechnicianID)

	// Второй исполнитель.
	techUser2 := model.User{Name: "Смирнов", Role: model.RoleTechnician}
	require.NoError(t, env.db.Create(&techUser2).Error)
	tech2 := model.Technician{UserID: techUser2.ID, IsAvailable: true}
	require.NoError(t, env.db.Create(&tech2).Error)

	req, err = env.svc.Assign(ctx, env.adminActor(), req.ID, tech2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusAssigned, req.Status)
	assert.Equal(t, tech2.ID, *req.TechnicianID)
	env.svc.Drain()
}

func TestStartedAtSurvivesResume(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := env.createRequest(t)
	_, err := env.svc.Assign(ctx, env.adminActor(), req.ID, env.tech.ID)
	require.NoError(t, err)
	_, err = env.svc.Accept(ctx, env.techActor(), req.ID)
	require.NoError(t, err)

	started, err := env.svc.Start(ctx, env.techActor(), req.ID)
	require.NoError(t, err)
	require.NotNil(t, started.StartedAt)
	first := *started.StartedAt

	time.Sleep(10 * time.Millisecond)
	_, err = env.svc.Hold(ctx, env.techActor(), req.ID)
	require.NoError(t, err)
	resumed, err := env.svc.Start(ctx, env.techActor(), req.ID)
	require.NoError(t, err)

	require.NotNil(t, resumed.StartedAt)
	assert.True(t, resumed.StartedAt.Equal(first), "started_at must keep its first value on resume")
	env.svc.Drain()
}

func TestTerminalStatusesRejectFurtherOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := env.createRequest(t)
	_, err := env.svc.Assign(ctx, env.adminActor(), req.ID, env.tech.ID)
	require.NoError(t, err)
	_, err = env.svc.Accept(ctx, env.techActor(), req.ID)
	require.NoError(t, err)
	_, err = env.svc.Start(ctx, env.techActor(), req.ID)
	require.NoError(t, err)
	_, err = env.svc.Complete(ctx, env.techActor(), req.ID)
	require.NoError(t, err)

	_, err = env.svc.Hold(ctx, env.techActor(), req.ID)
	assert.True(t, errs.IsCannot(err), "hold after complete: %v", err)
	_, err = env.svc.Cancel(ctx, env.adminActor(), req.ID, "")
	assert.True(t, errs.IsCannot(err), "cancel after complete: %v", err)
	_, err = env.svc.Assign(ctx, env.adminActor(), req.ID, env.tech.ID)
	assert.True(t, errs.IsCannot(err), "assign after complete: %v", err)

	cur, err := env.svc.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusCompleted, cur.Status)
	env.svc.Drain()
}

func TestAuthorizationFailsDistinctlyFromState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := env.createRequest(t)
	_, err := env.svc.Assign(ctx, env.adminActor(), req.ID, env.tech.ID)
	require.NoError(t, err)

	// Чужой исполнитель: FORBIDDEN, хотя статус и позволил бы accept.
	otherTech := Actor{UserID: 999, Role: model.RoleTechnician, TechnicianID: env.tech.ID + 100}
	_, err = env.svc.Accept(ctx, otherTech, req.ID)
	assert.True(t, errs.IsForbidden(err), "foreign technician: %v", err)

	// Назначенный исполнитель, но неподходящий статус: CANNOT_START.
	_, err = env.svc.Start(ctx, env.techActor(), req.ID)
	require.True(t, errs.IsCannot(err), "start from assigned: %v", err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "CANNOT_START", e.Code)

	// Не-админ не назначает.
	_, err = env.svc.Assign(ctx, env.requesterActor(), req.ID, env.tech.ID)
	assert.True(t, errs.IsForbidden(err))
	env.svc.Drain()
}

// TestStaleTechnicianCannotCommitTransition воспроизводит гонку устаревшей
// авторизации: первый исполнитель прошёл проверку по снимку, но пока его
// запись не дошла до базы, заявка была отклонена и переназначена второму.
// UPDATE первого не должен сработать, хотя статус assigned ему подходит.
func TestStaleTechnicianCannotCommitTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := env.createRequest(t)
	_, err := env.svc.Assign(ctx, env.adminActor(), req.ID, env.tech.ID)
	require.NoError(t, err)
	_, err = env.svc.Reject(ctx, env.techActor(), req.ID, "нет запчастей")
	require.NoError(t, err)

	techUser2 := model.User{Name: "Смирнов", Role: model.RoleTechnician}
	require.NoError(t, env.db.Create(&techUser2).Error)
	tech2 := model.Technician{UserID: techUser2.ID, IsAvailable: true}
	require.NoError(t, env.db.Create(&tech2).Error)
	_, err = env.svc.Assign(ctx, env.adminActor(), req.ID, tech2.ID)
	require.NoError(t, err)

	// Запись первого исполнителя: проверка снимка уже позади, остаётся
	// условный UPDATE. Предикат по technician_id обязан его отвергнуть.
	_, err = env.svc.transition(ctx, req.ID, "accept",
		env.tech.ID,
		[]model.RequestStatus{model.RequestStatusAssigned},
		map[string]interface{}{
			"status":      model.RequestStatusAccepted,
			"accepted_at": time.Now().UTC(),
		})
	assert.True(t, errs.IsForbidden(err), "stale technician must be rejected: %v", err)

	cur, err := env.svc.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusAssigned, cur.Status)
	assert.Equal(t, tech2.ID, *cur.TechnicianID)

	// Новый назначенный исполнитель проходит без препятствий.
	_, err = env.svc.Accept(ctx, Actor{UserID: techUser2.ID, Role: model.RoleTechnician, TechnicianID: tech2.ID}, req.ID)
	require.NoError(t, err)
	env.svc.Drain()
}

func TestCancelRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Заявитель отменяет свою pending-заявку.
	req := env.createRequest(t)
	cancelled, err := env.svc.Cancel(ctx, env.requesterActor(), req.ID, "передумал")
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)

	// Чужую заявку заявитель не отменяет.
	req2 := env.createRequest(t)
	stranger := Actor{UserID: env.techUser.ID, Role: model.RoleRequester}
	_, err = env.svc.Cancel(ctx, stranger, req2.ID, "")
	assert.True(t, errs.IsForbidden(err))

	// После начала работ отмена запрещена даже админу.
	_, err = env.svc.Assign(ctx, env.adminActor(), req2.ID, env.tech.ID)
	require.NoError(t, err)
	_, err = env.svc.Accept(ctx, env.techActor(), req2.ID)
	require.NoError(t, err)
	_, err = env.svc.Start(ctx, env.techActor(), req2.ID)
	require.NoError(t, err)
	_, err = env.svc.Cancel(ctx, env.adminActor(), req2.ID, "")
	assert.True(t, errs.IsCannot(err), "cancel in_progress: %v", err)
	env.svc.Drain()
}

func TestConcurrentAcceptRejectOneWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := env.createRequest(t)
	_, err := env.svc.Assign(ctx, env.adminActor(), req.ID, env.tech.ID)
	require.NoError(t, err)
	env.svc.Drain()

	var wg sync.WaitGroup
	errsCh := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := env.svc.Accept(ctx, env.techActor(), req.ID)
		errsCh <- err
	}()
	go func() {
		defer wg.Done()
		_, err := env.svc.Reject(ctx, env.techActor(), req.ID, "нет времени")
		errsCh <- err
	}()
	wg.Wait()
	close(errsCh)

	var wins, losses int
	for err := range errsCh {
		if err == nil {
			wins++
			continue
		}
		losses++
		assert.True(t, errs.IsCannot(err), "loser must observe a state-precondition failure: %v", err)
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, losses)

	cur, err := env.svc.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Contains(t, []model.RequestStatus{model.RequestStatusAccepted, model.RequestStatusRejected}, cur.Status)
	env.svc.Drain()
}

func TestAssignPolicyEnforcesAvailabilityAndCapacity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Недоступный исполнитель.
	require.NoError(t, env.db.Model(&model.Technician{}).
		Where("id = ?", env.tech.ID).Update("is_available", false).Error)
	req := env.createRequest(t)
	_, err := env.svc.Assign(ctx, env.adminActor(), req.ID, env.tech.ID)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "TECHNICIAN_UNAVAILABLE", e.Code)

	// Дневной лимит.
	require.NoError(t, env.db.Model(&model.Technician{}).
		Where("id = ?", env.tech.ID).
		Updates(map[string]interface{}{"is_available": true, "max_jobs_per_day": 1}).Error)
	_, err = env.svc.Assign(ctx, env.adminActor(), req.ID, env.tech.ID)
	require.NoError(t, err)

	req2 := env.createRequest(t)
	_, err = env.svc.Assign(ctx, env.adminActor(), req2.ID, env.tech.ID)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "TECHNICIAN_UNAVAILABLE", e.Code)

	// PermitAllPolicy игнорирует лимиты.
	permissive := NewRequestService(env.db, env.notes, env.dispatcher, env.bus, PermitAllPolicy(), zerolog.Nop())
	_, err = permissive.Assign(ctx, env.adminActor(), req2.ID, env.tech.ID)
	require.NoError(t, err)
	env.svc.Drain()
	permissive.Drain()
}

// panickyBus роняет live-пуш события заявки; SendToUser наследуется рабочим.
type panickyBus struct {
	fakeBus
}

func (p *panickyBus) EmitRequestEvent(realtime.EventType, *model.Request, uint64) {
	panic("hub is down")
}

func TestSideEffectPanicIsIsolated(t *testing.T) {
	env := newTestEnv(t)
	bus := &panickyBus{}
	notes := NewNotificationService(env.db, bus, zerolog.Nop())
	svc := NewRequestService(env.db, notes, env.dispatcher, bus, DefaultAssignPolicy(), zerolog.Nop())

	_, err := svc.Create(context.Background(), env.requesterActor(), CreateInput{
		Title:      "Не горит свет",
		CategoryID: env.category.ID,
		LocationID: env.location.ID,
	})
	require.NoError(t, err)
	svc.Drain()

	// Паника в live-шине не мешает соседним эффектам: уведомление записано,
	// каналы получили рассылку.
	var n int64
	require.NoError(t, env.db.Model(&model.Notification{}).
		Where("user_id = ?", env.admin.ID).Count(&n).Error)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, []channels.Kind{channels.KindNewRequest}, env.dispatcher.kinds())
}

func TestNotFoundAndSoftDeleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.GetByID(ctx, 9999)
	assert.True(t, errs.IsNotFound(err))

	req := env.createRequest(t)
	require.NoError(t, env.db.Delete(&model.Request{}, req.ID).Error)
	_, err = env.svc.GetByID(ctx, req.ID)
	assert.True(t, errs.IsNotFound(err), "soft-deleted row must look missing")
	_, err = env.svc.Cancel(ctx, env.requesterActor(), req.ID, "")
	assert.True(t, errs.IsNotFound(err))
	env.svc.Drain()
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, env.requesterActor(), CreateInput{
		Title: "  ", CategoryID: env.category.ID, LocationID: env.location.ID,
	})
	assert.True(t, errs.IsInvalid(err))

	_, err = env.svc.Create(ctx, env.requesterActor(), CreateInput{
		Title: "ok", CategoryID: env.category.ID, LocationID: env.location.ID, Priority: "whenever",
	})
	assert.True(t, errs.IsInvalid(err))

	_, err = env.svc.Create(ctx, env.techActor(), CreateInput{
		Title: "ok", CategoryID: env.category.ID, LocationID: env.location.ID,
	})
	assert.True(t, errs.IsForbidden(err), "technicians do not open requests")

	_, err = env.svc.Reject(ctx, env.techActor(), 1, "   ")
	assert.True(t, errs.IsInvalid(err), "reject requires a reason")
}

func TestListFilters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r1 := env.createRequest(t)
	env.createRequest(t)
	_, err := env.svc.Assign(ctx, env.adminActor(), r1.ID, env.tech.ID)
	require.NoError(t, err)
	env.svc.Drain()

	items, total, err := env.svc.List(ctx, map[string]interface{}{"status = ?": "pending"}, 0, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, items, 1)

	items, total, err = env.svc.List(ctx, nil, 1, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, items, 1)
}
