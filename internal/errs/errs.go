package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Ошибки движка жизненного цикла, различимые вызывающей стороной.
// NOT_FOUND и FORBIDDEN — сентинелы; нарушения предусловий по статусу
// оформляются через CannotTransition с кодом CANNOT_<OPERATION>.
var (
	// ErrRequestNotFound — заявка не существует или мягко удалена.
	ErrRequestNotFound = &Error{Code: "NOT_FOUND", Message: "request not found"}
	// ErrTechnicianNotFound — исполнитель не существует.
	ErrTechnicianNotFound = &Error{Code: "NOT_FOUND", Message: "technician not found"}
	// ErrNotificationNotFound — уведомление не существует или принадлежит другому пользователю.
	ErrNotificationNotFound = &Error{Code: "NOT_FOUND", Message: "notification not found"}
	// ErrForbidden — роль или принадлежность заявки не позволяет операцию.
	ErrForbidden = &Error{Code: "FORBIDDEN", Message: "operation not allowed for this actor"}
)

// Error — ошибка с машинно-читаемым кодом для маппинга на HTTP статус.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is сравнивает по коду, чтобы errors.Is(err, ErrForbidden) работал
// и для обёрнутых через %w значений.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// TechnicianUnavailable возвращает отказ политики назначения (занят, недоступен).
func TechnicianUnavailable(msg string) *Error {
	return &Error{Code: "TECHNICIAN_UNAVAILABLE", Message: msg}
}

// Invalid возвращает ошибку некорректного аргумента операции.
func Invalid(msg string) *Error {
	return &Error{Code: "INVALID_ARGUMENT", Message: msg}
}

// IsInvalid сообщает, является ли ошибка некорректным аргументом.
func IsInvalid(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == "INVALID_ARGUMENT"
}

// CannotTransition возвращает ошибку предусловия перехода: текущий статус
// не входит в допустимые исходные состояния операции.
func CannotTransition(op string, current string) *Error {
	return &Error{
		Code:    "CANNOT_" + strings.ToUpper(op),
		Message: fmt.Sprintf("cannot %s request in status %q", op, current),
	}
}

// IsNotFound сообщает, является ли ошибка отсутствием записи.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == "NOT_FOUND"
}

// IsForbidden сообщает, является ли ошибка отказом в доступе.
func IsForbidden(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == "FORBIDDEN"
}

// IsCannot сообщает, является ли ошибка нарушением предусловия по статусу.
func IsCannot(err error) bool {
	var e *Error
	return errors.As(err, &e) && strings.HasPrefix(e.Code, "CANNOT_")
}
