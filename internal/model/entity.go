package model

import (
	"time"

	"gorm.io/gorm"
)

type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"
	RequestStatusAssigned   RequestStatus = "assigned"
	RequestStatusAccepted   RequestStatus = "accepted"
	RequestStatusInProgress RequestStatus = "in_progress"
	RequestStatusOnHold     RequestStatus = "on_hold"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusCancelled  RequestStatus = "cancelled"
	RequestStatusRejected   RequestStatus = "rejected"
)

// Terminal сообщает, допускает ли статус дальнейшие переходы.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusCompleted || s == RequestStatusCancelled
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type Role string

const (
	RoleRequester  Role = "requester"
	RoleTechnician Role = "technician"
	RoleAdmin      Role = "admin"
)

// Request — заявка на ремонт/обслуживание, центральная сущность жизненного цикла.
// Временные метки статусов выставляются не более одного раза и не очищаются
// при дальнейших переходах (полная история на строке).
type Request struct {
	ID            uint64        `gorm:"primaryKey" json:"id"`
	RequestNumber string        `gorm:"type:varchar(32);uniqueIndex;not null" json:"request_number"`
	Title         string        `gorm:"type:varchar(255);not null" json:"title"`
	Description   string        `gorm:"type:text" json:"description,omitempty"`
	CategoryID    uint64        `gorm:"index;not null" json:"category_id"`
	LocationID    uint64        `gorm:"index;not null" json:"location_id"`
	Priority      Priority      `gorm:"type:varchar(16);index;not null" json:"priority"`
	Status        RequestStatus `gorm:"type:varchar(32);index;not null" json:"status"`
	UserID        uint64        `gorm:"index;not null" json:"user_id"`
	TechnicianID  *uint64       `gorm:"index" json:"technician_id,omitempty"`
	RejectReason  string        `gorm:"type:text" json:"reject_reason,omitempty"`
	CancelReason  string        `gorm:"type:text" json:"cancel_reason,omitempty"`

	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	AssignedAt  *time.Time     `json:"assigned_at,omitempty"`
	AcceptedAt  *time.Time     `json:"accepted_at,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CancelledAt *time.Time     `json:"cancelled_at,omitempty"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// User — минимальная проекция пользователя: управление учётками вне этого сервиса.
type User struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	Role      Role      `gorm:"type:varchar(16);index;not null" json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Technician — исполнитель: пользователь с признаком доступности и дневным лимитом.
type Technician struct {
	ID            uint64    `gorm:"primaryKey" json:"id"`
	UserID        uint64    `gorm:"uniqueIndex;not null" json:"user_id"`
	IsAvailable   bool      `gorm:"not null;default:true" json:"is_available"`
	MaxJobsPerDay int       `gorm:"not null;default:0" json:"max_jobs_per_day"`
	Rating        float64   `gorm:"not null;default:0" json:"rating"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Category struct {
	ID   uint64 `gorm:"primaryKey" json:"id"`
	Name string `gorm:"type:varchar(128);not null" json:"name"`
}

type Location struct {
	ID   uint64 `gorm:"primaryKey" json:"id"`
	Name string `gorm:"type:varchar(128);not null" json:"name"`
}

type NotificationType string

const (
	NotificationRequestCreated   NotificationType = "request_created"
	NotificationRequestAssigned  NotificationType = "request_assigned"
	NotificationRequestAccepted  NotificationType = "request_accepted"
	NotificationRequestRejected  NotificationType = "request_rejected"
	NotificationRequestStarted   NotificationType = "request_started"
	NotificationRequestOnHold    NotificationType = "request_on_hold"
	NotificationRequestCompleted NotificationType = "request_completed"
	NotificationRequestCancelled NotificationType = "request_cancelled"
)

// Notification — запись уведомления пользователя. Создаётся движком жизненного
// цикла; после создания меняется только флаг IsRead.
type Notification struct {
	ID        uint64           `gorm:"primaryKey" json:"id"`
	UserID    uint64           `gorm:"index;not null" json:"user_id"`
	Type      NotificationType `gorm:"type:varchar(32);not null" json:"type"`
	Title     string           `gorm:"type:varchar(255);not null" json:"title"`
	Message   string           `gorm:"type:text" json:"message"`
	Link      string           `gorm:"type:varchar(255)" json:"link,omitempty"`
	IsRead    bool             `gorm:"not null;default:false;index" json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
}
