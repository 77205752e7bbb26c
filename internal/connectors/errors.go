package connectors

import (
	"errors"
	"fmt"
	"time"
)

// ThrottleError: оркестратор попросил подождать перед повтором.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error {
	return e.Cause
}

// ErrTokenUsed: токен уже был использован для завершения задачи исполнения.
var ErrTokenUsed = errors.New("task token already used")
