package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/psds-microservice/repair-service/internal/model"
	"github.com/rs/zerolog"
)

// EventType — тип события в конверте SSE-кадра. Закрытый набор.
type EventType string

const (
	EventConnected            EventType = "connected"
	EventRequestCreated       EventType = "request:created"
	EventRequestUpdated       EventType = "request:updated"
	EventRequestAssigned      EventType = "request:assigned"
	EventRequestStatusChanged EventType = "request:status_changed"
	EventRequestCompleted     EventType = "request:completed"
	EventNotificationNew      EventType = "notification:new"

	// Зарезервировано под SLA-мониторинг, пока не эмитится.
	EventSLAWarning  EventType = "sla:warning"
	EventSLABreached EventType = "sla:breached"
)

// ErrShutdown возвращается из AddClient после остановки хаба.
var ErrShutdown = errors.New("realtime: hub is shut down")

// envelope — JSON-конверт события: { type, data, timestamp }.
type envelope struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp"`
}

var heartbeatFrame = []byte(": heartbeat\n\n")

// Session — одна живая SSE-сессия клиента. Кадры кладутся в буферизованный
// канал и вычитываются HTTP-обработчиком; закрытие происходит ровно один раз.
type Session struct {
	ID     string
	UserID uint64
	Role   model.Role

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Frames — канал исходящих кадров для обработчика потока.
func (s *Session) Frames() <-chan []byte { return s.send }

// Done закрывается при завершении сессии.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// enqueue кладёт кадр без блокировки. false — сессия закрыта либо клиент
// не вычитывает (переполнен буфер): в обоих случаях сессию пора снимать.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// Hub — реестр живых клиентских сессий и шина рассылки событий. Состояние
// процесс-локальное: горизонтальное масштабирование потребует внешнего
// pub/sub вместо этой мапы (известное ограничение).
type Hub struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	heartbeat time.Duration
	log       zerolog.Logger
	shutdown  bool
}

func NewHub(log zerolog.Logger, heartbeat time.Duration) *Hub {
	return &Hub{
		sessions:  make(map[string]*Session),
		heartbeat: heartbeat,
		log:       log.With().Str("component", "realtime").Logger(),
	}
}

// AddClient регистрирует сессию, сразу кладёт ей handshake-кадр с выданным
// clientId и запускает heartbeat, чтобы прокси не закрывали простаивающее
// соединение.
func (h *Hub) AddClient(userID uint64, role model.Role) (*Session, error) {
	s := &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		Role:   role,
		send:   make(chan []byte, 16),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return nil, ErrShutdown
	}
	h.sessions[s.ID] = s
	h.mu.Unlock()

	s.enqueue(frame(handshake{Type: EventConnected, ClientID: s.ID}))
	go h.heartbeatLoop(s)

	h.log.Debug().Str("client_id", s.ID).Uint64("user_id", userID).Str("role", string(role)).Msg("client connected")
	return s, nil
}

// handshake — специальный первый кадр: clientId на верхнем уровне.
type handshake struct {
	Type     EventType `json:"type"`
	ClientID string    `json:"clientId"`
}

// RemoveClient снимает сессию: останавливает heartbeat и закрывает её.
// Повторный вызов безопасен.
func (h *Hub) RemoveClient(clientID string) {
	h.mu.Lock()
	s, ok := h.sessions[clientID]
	if ok {
		delete(h.sessions, clientID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	h.log.Debug().Str("client_id", clientID).Msg("client disconnected")
}

// Shutdown закрывает все живые сессии; новые подключения отклоняются.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.shutdown = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// ClientCount — число живых сессий (для диагностики).
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) heartbeatLoop(s *Session) {
	t := time.NewTicker(h.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if !s.enqueue(heartbeatFrame) {
				h.RemoveClient(s.ID)
				return
			}
		}
	}
}

// SendToUser доставляет событие во все сессии пользователя (0, 1 или много).
func (h *Hub) SendToUser(userID uint64, t EventType, data interface{}) {
	h.deliver(func(s *Session) bool { return s.UserID == userID }, t, data)
}

// SendToRole доставляет событие во все сессии с указанной ролью.
func (h *Hub) SendToRole(role model.Role, t EventType, data interface{}) {
	h.deliver(func(s *Session) bool { return s.Role == role }, t, data)
}

// SendToStaff доставляет событие администраторам и исполнителям.
func (h *Hub) SendToStaff(t EventType, data interface{}) {
	h.deliver(func(s *Session) bool {
		return s.Role == model.RoleAdmin || s.Role == model.RoleTechnician
	}, t, data)
}

// Broadcast доставляет событие во все сессии.
func (h *Hub) Broadcast(t EventType, data interface{}) {
	h.deliver(func(*Session) bool { return true }, t, data)
}

// EmitRequestEvent доставляет событие заявки её кругу заинтересованных:
// владельцу, назначенному исполнителю (если есть) и всем администраторам.
// technicianUserID — id пользователя исполнителя, 0 если не назначен.
func (h *Hub) EmitRequestEvent(t EventType, req *model.Request, technicianUserID uint64) {
	h.deliver(func(s *Session) bool {
		if s.UserID == req.UserID {
			return true
		}
		if technicianUserID != 0 && s.UserID == technicianUserID {
			return true
		}
		return s.Role == model.RoleAdmin
	}, t, req)
}

// deliver шлёт событие в каждую подходящую сессию; недоставка в одну сессию
// (закрыта, переполнена) снимает только её и не мешает остальным.
func (h *Hub) deliver(match func(*Session) bool, t EventType, data interface{}) {
	fr := frame(envelope{
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if match(s) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.enqueue(fr) {
			h.log.Warn().Str("client_id", s.ID).Str("event", string(t)).Msg("dropping dead session")
			h.RemoveClient(s.ID)
		}
	}
}

// frame кодирует полезную нагрузку в текстовый SSE-кадр `data: <json>\n\n`.
func frame(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Конверт маршалится всегда; сюда можно попасть только с несериализуемым data.
		data = []byte(`{"type":"error"}`)
	}
	return []byte(fmt.Sprintf("data: %s\n\n", data))
}
