// Package otp issues and checks the one-time completion codes that gate
// settlement. Only bcrypt hashes are handed back for storage; the clear code
// leaves this package once, to be delivered to the request owner.
package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/example/repair-dispatch/internal/models"
)

const (
	CodeLength = 6
	DefaultTTL = 15 * time.Minute
)

type Config struct {
	TTL        time.Duration
	BcryptCost int
	// MaxAttempts is the burst of verification attempts allowed per request,
	// refilled at one attempt per RefillEvery.
	MaxAttempts int
	RefillEvery time.Duration
}

func DefaultConfig() Config {
	return Config{
		TTL:         DefaultTTL,
		BcryptCost:  bcrypt.DefaultCost,
		MaxAttempts: 5,
		RefillEvery: time.Minute,
	}
}

// Issued is a freshly generated code. Code must only go to the notifier.
type Issued struct {
	Code   string
	Hash   string
	Expiry time.Time
}

type Verifier struct {
	cfg      Config
	limiters *cache.Cache
	now      func() time.Time
}

func NewVerifier(cfg Config) *Verifier {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RefillEvery <= 0 {
		cfg.RefillEvery = time.Minute
	}
	return &Verifier{
		cfg: cfg,
		// limiters outlive the code they protect, then get swept
		limiters: cache.New(2*cfg.TTL, 4*cfg.TTL),
		now:      time.Now,
	}
}

// WithClock replaces the clock used for expiry checks.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

func (v *Verifier) TTL() time.Duration { return v.cfg.TTL }

// Issue generates a new code. Reissuing for the same request simply
// overwrites the stored hash, which invalidates the previous code.
func (v *Verifier) Issue() (Issued, error) {
	code, err := generateCode(CodeLength)
	if err != nil {
		return Issued{}, fmt.Errorf("generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), v.cfg.BcryptCost)
	if err != nil {
		return Issued{}, fmt.Errorf("hash code: %w", err)
	}
	return Issued{Code: code, Hash: string(hash), Expiry: v.now().Add(v.cfg.TTL)}, nil
}

// Verify checks code against the stored hash and expiry. It never mutates
// the request; callers persist the outcome.
func (v *Verifier) Verify(requestID, code, hash string, expiry *time.Time) error {
	if !v.limiter(requestID).Allow() {
		return fmt.Errorf("%w: request %s", models.ErrOtpRateLimited, requestID)
	}
	if hash == "" || expiry == nil {
		return fmt.Errorf("%w: no code issued", models.ErrOtpMismatch)
	}
	if !v.now().Before(*expiry) {
		return fmt.Errorf("%w: expired at %s", models.ErrOtpExpired, expiry.UTC().Format(time.RFC3339))
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)); err != nil {
		return models.ErrOtpMismatch
	}
	v.limiters.Delete(requestID)
	return nil
}

// Reset drops the attempt budget of a request, used when a new code is issued.
func (v *Verifier) Reset(requestID string) {
	v.limiters.Delete(requestID)
}

func (v *Verifier) limiter(requestID string) *rate.Limiter {
	if l, ok := v.limiters.Get(requestID); ok {
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Every(v.cfg.RefillEvery), v.cfg.MaxAttempts)
	if err := v.limiters.Add(requestID, l, cache.DefaultExpiration); err != nil {
		// lost the race to another attempt
		if existing, ok := v.limiters.Get(requestID); ok {
			return existing.(*rate.Limiter)
		}
	}
	return l
}

func generateCode(n int) (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < n; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	v, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", n, v.Int64()), nil
}
