package otp

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/repair-dispatch/internal/models"
)

func testVerifier(now *time.Time) *Verifier {
	v := NewVerifier(Config{
		TTL:         15 * time.Minute,
		BcryptCost:  bcrypt.MinCost,
		MaxAttempts: 3,
		RefillEvery: time.Hour,
	})
	return v.WithClock(func() time.Time { return *now })
}

func TestIssueProducesSixDigitsAndHash(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	v := testVerifier(&now)

	iss, err := v.Issue()
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9]{6}$`), iss.Code)
	assert.NotContains(t, iss.Hash, iss.Code)
	assert.Equal(t, now.Add(15*time.Minute), iss.Expiry)
}

func TestVerify(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	v := testVerifier(&now)
	iss, err := v.Issue()
	require.NoError(t, err)
	exp := iss.Expiry

	wrong := "000000"
	if iss.Code == wrong {
		wrong = "111111"
	}
	assert.ErrorIs(t, v.Verify("r1", wrong, iss.Hash, &exp), models.ErrOtpMismatch)
	assert.NoError(t, v.Verify("r1", iss.Code, iss.Hash, &exp))
}

func TestVerifyExpired(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	v := testVerifier(&now)
	iss, err := v.Issue()
	require.NoError(t, err)
	exp := iss.Expiry

	now = now.Add(16 * time.Minute)
	assert.ErrorIs(t, v.Verify("r1", iss.Code, iss.Hash, &exp), models.ErrOtpExpired)
}

func TestVerifyWithoutCode(t *testing.T) {
	now := time.Now()
	v := testVerifier(&now)
	assert.ErrorIs(t, v.Verify("r1", "123456", "", nil), models.ErrOtpMismatch)
}

func TestReissueInvalidatesPreviousCode(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	v := testVerifier(&now)
	first, err := v.Issue()
	require.NoError(t, err)
	var second Issued
	for {
		second, err = v.Issue()
		require.NoError(t, err)
		if second.Code != first.Code {
			break
		}
	}
	exp := second.Expiry
	assert.ErrorIs(t, v.Verify("r1", first.Code, second.Hash, &exp), models.ErrOtpMismatch)
	assert.NoError(t, v.Verify("r1", second.Code, second.Hash, &exp))
}

func TestVerifyRateLimited(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	v := testVerifier(&now)
	iss, err := v.Issue()
	require.NoError(t, err)
	exp := iss.Expiry
	wrong := "000000"
	if iss.Code == wrong {
		wrong = "111111"
	}

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, v.Verify("r1", wrong, iss.Hash, &exp), models.ErrOtpMismatch)
	}
	assert.ErrorIs(t, v.Verify("r1", iss.Code, iss.Hash, &exp), models.ErrOtpRateLimited)

	// other requests keep their own budget
	assert.ErrorIs(t, v.Verify("r2", wrong, iss.Hash, &exp), models.ErrOtpMismatch)

	v.Reset("r1")
	assert.NoError(t, v.Verify("r1", iss.Code, iss.Hash, &exp))
}
