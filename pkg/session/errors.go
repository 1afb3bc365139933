package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode код ошибки ядра звонков
type ErrorCode string

const (
	CodeDuplicateID         ErrorCode = "DUPLICATE_ID"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeInvalidTransition   ErrorCode = "INVALID_TRANSITION"
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	CodePermissionDenied    ErrorCode = "PERMISSION_DENIED"
)

// String возвращает строковое представление кода
func (c ErrorCode) String() string {
	return string(c)
}

// Error структурированная ошибка с контекстом сессии
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`

	// Контекст ошибки
	SessionID string    `json:"session_id,omitempty"`
	State     State     `json:"state,omitempty"`
	Event     EventKind `json:"event,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// AlreadyEnded для NotFound: id принадлежал сессии, которая уже завершилась
	AlreadyEnded bool `json:"already_ended,omitempty"`

	Fields map[string]interface{} `json:"fields,omitempty"`
	Cause  error                  `json:"-"`
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.SessionID != "" {
		msg += fmt.Sprintf(" (session: %s)", e.SessionID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду, чтобы работал errors.Is(err, ErrNotFound)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ErrorCode возвращает код ошибки (используется логгером)
func (e *Error) ErrorCode() string {
	return string(e.Code)
}

// ErrorFields возвращает поля контекста (используется логгером)
func (e *Error) ErrorFields() map[string]interface{} {
	fields := make(map[string]interface{}, len(e.Fields)+3)
	for k, v := range e.Fields {
		fields[k] = v
	}
	if e.SessionID != "" {
		fields["session_id"] = e.SessionID
	}
	if e.State != StateNone {
		fields["state"] = e.State.String()
	}
	if e.Event != "" {
		fields["event"] = string(e.Event)
	}
	return fields
}

// WithField добавляет дополнительное поле к ошибке
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// NewError создает новую структурированную ошибку
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Сентинелы для errors.Is
var (
	ErrDuplicateID         = &Error{Code: CodeDuplicateID, Message: "сессия с таким id уже существует"}
	ErrNotFound            = &Error{Code: CodeNotFound, Message: "сессия не найдена"}
	ErrInvalidTransition   = &Error{Code: CodeInvalidTransition, Message: "недопустимый переход"}
	ErrProviderUnavailable = &Error{Code: CodeProviderUnavailable, Message: "провайдер телефонии недоступен"}
	ErrPermissionDenied    = &Error{Code: CodePermissionDenied, Message: "нет необходимых разрешений"}
)

// Предопределенные ошибки для частых случаев

func errDuplicateID(id string) *Error {
	e := NewError(CodeDuplicateID, "сессия с таким id уже существует")
	e.SessionID = id
	return e
}

func errNotFound(id string, alreadyEnded bool) *Error {
	e := NewError(CodeNotFound, "сессия не найдена")
	if alreadyEnded {
		e.Message = "сессия уже завершена"
	}
	e.SessionID = id
	e.AlreadyEnded = alreadyEnded
	return e
}

func errInvalidTransition(id string, state State, event EventKind) *Error {
	e := NewError(CodeInvalidTransition,
		fmt.Sprintf("событие %s недопустимо в состоянии %s", event, state))
	e.SessionID = id
	e.State = state
	e.Event = event
	return e
}

// ErrProviderUnavailableFor возвращает ошибку недоступного провайдера для операции
func ErrProviderUnavailableFor(operation string, cause error) *Error {
	e := NewError(CodeProviderUnavailable,
		fmt.Sprintf("провайдер телефонии недоступен: %s", operation))
	e.Cause = cause
	return e.WithField("operation", operation)
}

// ErrPermissionDeniedFor возвращает ошибку отсутствующих разрешений для операции
func ErrPermissionDeniedFor(operation string) *Error {
	return NewError(CodePermissionDenied,
		fmt.Sprintf("нет разрешений для операции %s", operation)).WithField("operation", operation)
}

// IsAlreadyEnded проверяет, что ошибка означает уже завершенную сессию
func IsAlreadyEnded(err error) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == CodeNotFound && se.AlreadyEnded
}

// CodeOf возвращает код ошибки или пустую строку для посторонних ошибок
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
