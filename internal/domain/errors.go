package domain

import "errors"

// Таксономия ошибок. Слои оборачивают их через fmt.Errorf("...: %w", err),
// HTTP-слой сопоставляет через errors.Is.
var (
	// ErrValidation — некорректный ввод, исправимый клиентом.
	ErrValidation = errors.New("validation error")
	// ErrTaskNotFound — нет живого токена: уже решено, еще не зарегистрирован или неверный id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidToken — структурно битый токен продолжения.
	ErrInvalidToken = errors.New("invalid task token")
	// ErrUpstream — сбой оркестратора или хранилища.
	ErrUpstream = errors.New("upstream error")

	ErrInvalidTransition = errors.New("invalid approval status transition")
	ErrTaskClosed        = errors.New("approval task already closed")
)
