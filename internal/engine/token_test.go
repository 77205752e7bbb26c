package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xela07ax/spaceai-approvals/internal/domain"
)

type codecFunc func(string) ([]byte, error)

func (f codecFunc) Decode(token string) ([]byte, error) { return f(token) }

func TestTokenValidator(t *testing.T) {
	v := NewTokenValidator(8, nil)

	assert.NoError(t, v.Validate("abcdefgh"))
	assert.ErrorIs(t, v.Validate(""), domain.ErrInvalidToken)
	assert.ErrorIs(t, v.Validate("short"), domain.ErrInvalidToken)
	assert.ErrorIs(t, v.Validate("has space inside"), domain.ErrInvalidToken)
}

func TestTokenValidator_DefaultLength(t *testing.T) {
	v := NewTokenValidator(0, nil)
	assert.ErrorIs(t, v.Validate("tok-123"), domain.ErrInvalidToken)
	assert.NoError(t, v.Validate("0123456789abcdef"))
}

func TestTokenValidator_Codec(t *testing.T) {
	v := NewTokenValidator(1, codecFunc(func(token string) ([]byte, error) {
		if token == "bad-token" {
			return nil, errors.New("not decodable")
		}
		return []byte(token), nil
	}))

	assert.NoError(t, v.Validate("good-token"))
	assert.ErrorIs(t, v.Validate("bad-token"), domain.ErrInvalidToken)
}
