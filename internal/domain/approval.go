package domain

import (
	"fmt"
	"strings"
	"time"
)

// ApprovalStatus — статусы State Machine задачи на подтверждение.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "PENDING"
	StatusApproved ApprovalStatus = "APPROVED"
	StatusRejected ApprovalStatus = "REJECTED"
	StatusTimedOut ApprovalStatus = "TIMED_OUT"
	StatusFailed   ApprovalStatus = "FAILED"
)

// transitions: единственная таблица переходов. Движение только вперед:
// из PENDING в любой терминальный статус, из терминального никуда.
var transitions = map[ApprovalStatus]map[ApprovalStatus]bool{
	StatusPending: {
		StatusApproved: true,
		StatusRejected: true,
		StatusTimedOut: true,
		StatusFailed:   true,
	},
	StatusApproved: {},
	StatusRejected: {},
	StatusTimedOut: {},
	StatusFailed:   {},
}

// ParseStatus приводит строку к статусу (регистр не важен).
func ParseStatus(s string) (ApprovalStatus, error) {
	st := ApprovalStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
	return st, nil
}

func (s ApprovalStatus) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

func (s ApprovalStatus) IsTerminal() bool {
	return s.IsValid() && s != StatusPending
}

func (s ApprovalStatus) String() string {
	return string(s)
}

// CanTransition проверяет правила конечного автомата.
func CanTransition(from, to ApprovalStatus) error {
	next, ok := transitions[from]
	if !ok || !to.IsValid() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if !next[to] {
		if from.IsTerminal() {
			return fmt.Errorf("%w: %w: task already %s", ErrInvalidTransition, ErrTaskClosed, from)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Decision — решение человека по задаче.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// ParseDecision принимает только APPROVE или REJECT, регистр не важен.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToUpper(strings.TrimSpace(s))); d {
	case DecisionApprove, DecisionReject:
		return d, nil
	default:
		return "", fmt.Errorf("%w: decision must be APPROVE or REJECT", ErrValidation)
	}
}

// Status возвращает терминальный статус, в который решение переводит задачу.
func (d Decision) Status() ApprovalStatus {
	if d == DecisionApprove {
		return StatusApproved
	}
	return StatusRejected
}

// ApprovalTask — центральная сущность. TaskToken заполнен только пока
// исполнение оркестратора стоит на паузе и ждет решения.
type ApprovalTask struct {
	TaskID        string         `json:"taskId"`
	QuestionID    string         `json:"questionId"`
	AssessorEmail string         `json:"assessorEmail"`
	Status        ApprovalStatus `json:"status"`
	TaskToken     *string        `json:"-"` // Никогда не отдаем наружу
	Comments      string         `json:"comments,omitempty"`
	ExecutionRef  string         `json:"executionRef,omitempty"`
	ResumeError   *string        `json:"resumeError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasToken: задача в подсостоянии AWAITING.
func (t *ApprovalTask) HasToken() bool {
	return t.TaskToken != nil && *t.TaskToken != ""
}

// Question: бизнес-запись, для которой требуется подтверждение.
type Question struct {
	QuestionID string    `json:"questionId"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TaskFilter: выборка задач для консоли оператора.
type TaskFilter struct {
	Status ApprovalStatus
	Stuck  bool // только задачи с потраченным токеном и неудачным возобновлением
	Limit  int
}
