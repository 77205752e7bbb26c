package engine

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/xela07ax/spaceai-approvals/internal/domain"
)

const DefaultTokenMinLength = 16

// TokenValidator отсекает структурно битые токены до обращения к оркестратору.
type TokenValidator struct {
	minLen int
	codec  TokenCodec
}

// NewTokenValidator: codec может быть nil, тогда проверяется только форма строки.
func NewTokenValidator(minLen int, codec TokenCodec) *TokenValidator {
	if minLen < 1 {
		minLen = DefaultTokenMinLength
	}
	return &TokenValidator{minLen: minLen, codec: codec}
}

func (v *TokenValidator) Validate(token string) error {
	if len(token) < v.minLen {
		return fmt.Errorf("%w: token shorter than %d characters", domain.ErrInvalidToken, v.minLen)
	}
	if strings.IndexFunc(token, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: token contains whitespace", domain.ErrInvalidToken)
	}
	if v.codec != nil {
		if _, err := v.codec.Decode(token); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
		}
	}
	return nil
}
