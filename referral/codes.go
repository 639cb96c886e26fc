package referral

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// CodeGenerator returns a candidate referral code. Candidates may collide;
// uniqueness is checked against the store.
type CodeGenerator func() string

// MaxCodeAttempts bounds the collision retries before the time-suffixed fallback.
const MaxCodeAttempts = 10

const (
	codeLength   = 8
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O, 1/I
)

// RandomCode draws an 8 character code from a random UUID.
func RandomCode() string {
	id := uuid.New()
	code := make([]byte, codeLength)
	for i := range code {
		code[i] = codeAlphabet[int(id[i])%len(codeAlphabet)]
	}
	return string(code)
}

// GenerateReferralCode returns a code no user owns yet. After MaxCodeAttempts
// collisions it gives up checking and appends a time-derived suffix, so it
// always terminates.
func (e *Engine) GenerateReferralCode(ctx context.Context) (string, error) {
	code := e.code()
	for attempt := 0; attempt < MaxCodeAttempts; attempt++ {
		var exists bool
		err := e.call(ctx, "check referral code", func(ctx context.Context) error {
			var err error
			exists, err = e.Store.ReferralCodeExists(ctx, code)
			return err
		})
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
		code = e.code()
	}

	e.log().WithField("attempts", MaxCodeAttempts).Warn("Referral code collisions exhausted retries, using time suffix")
	return code + timeSuffix(e.now()), nil
}

// timeSuffix is the last three base-36 digits of the unix millisecond clock.
func timeSuffix(t time.Time) string {
	s := strconv.FormatInt(t.UnixMilli(), 36)
	if len(s) <= 3 {
		return s
	}
	return s[len(s)-3:]
}
