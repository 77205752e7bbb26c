package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TokenMessage: сообщение из очереди, связывающее токен оркестратора с задачей.
type TokenMessage struct {
	TaskID        string `json:"taskId"`
	AssessorEmail string `json:"assessorEmail"`
	Title         string `json:"title"`
	TaskToken     string `json:"taskToken"`
}

// DecodeTokenMessage разбирает тело сообщения. Часть продюсеров кладет JSON
// строкой внутри JSON, поэтому есть второй проход.
func DecodeTokenMessage(body []byte) (*TokenMessage, error) {
	var msg TokenMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		var nested string
		if errNested := json.Unmarshal(body, &nested); errNested != nil {
			return nil, fmt.Errorf("%w: malformed token message: %v", ErrValidation, err)
		}
		if err := json.Unmarshal([]byte(nested), &msg); err != nil {
			return nil, fmt.Errorf("%w: malformed nested token message: %v", ErrValidation, err)
		}
	}

	msg.TaskID = strings.TrimSpace(msg.TaskID)
	msg.AssessorEmail = strings.TrimSpace(msg.AssessorEmail)
	if msg.TaskID == "" || msg.TaskToken == "" {
		return nil, fmt.Errorf("%w: taskId and taskToken are required", ErrValidation)
	}
	return &msg, nil
}

// DecisionPayload уходит в оркестратор как output (APPROVE) или cause (REJECT).
type DecisionPayload struct {
	TaskID   string   `json:"taskId"`
	Decision Decision `json:"decision"`
	Comments string   `json:"comments"`
}

// ExecutionInput: вход исполнения, которое Intake запускает в оркестраторе.
type ExecutionInput struct {
	TaskID        string `json:"taskId"`
	QuestionID    string `json:"questionId"`
	AssessorEmail string `json:"assessorEmail"`
	Title         string `json:"title"`
	Content       string `json:"content,omitempty"`
}
