// Package verify issues and checks single-use phone verification codes.
// Codes live in the store with a TTL, not in process memory, so any
// service instance can check a code another instance issued.
package verify

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pocketparent/Sentiment-by-Hatchling/internal/store"
)

// CodeSender delivers a verification code to a phone number.
type CodeSender interface {
	SendTo(ctx context.Context, phone, message string) error
}

var (
	// ErrInvalidPhone is returned for a phone number that cannot receive
	// a code.
	ErrInvalidPhone = errors.New("invalid phone number")

	// ErrCodeInvalid is returned when a check fails: missing, expired or
	// mismatched code.
	ErrCodeInvalid = errors.New("verification code invalid or expired")
)

const codeDigits = 6

// Service issues and checks verification codes.
type Service struct {
	store  *store.Store
	sender CodeSender
	ttl    time.Duration
}

// New creates a verification service.
func New(st *store.Store, sender CodeSender, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Service{store: st, sender: sender, ttl: ttl}
}

// Start issues a fresh code for the user's phone and dispatches it.
// Any previously pending code for the user is invalidated.
func (s *Service) Start(ctx context.Context, userID, phone string) error {
	phone = strings.TrimSpace(phone)
	if !plausiblePhone(phone) {
		return ErrInvalidPhone
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}
	if err := s.store.PutVerificationCode(userID, phone, code, s.ttl); err != nil {
		return err
	}

	message := fmt.Sprintf("Your Sentiment verification code is %s. It expires in %d minutes.",
		code, int(s.ttl.Minutes()))
	if err := s.sender.SendTo(ctx, phone, message); err != nil {
		return fmt.Errorf("send verification code: %w", err)
	}

	log.Info().Str("user_id", userID).Msg("Verification code issued")
	return nil
}

// Check consumes the pending code. On success the verified number is
// persisted as the user's contact phone (reminder SMS delivery resolves
// against it) and returned; the code cannot be used again.
func (s *Service) Check(_ context.Context, userID, code string) (string, error) {
	phone, err := s.store.ConsumeVerificationCode(userID, strings.TrimSpace(code))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound),
			errors.Is(err, store.ErrCodeExpired),
			errors.Is(err, store.ErrCodeMismatch):
			log.Debug().Err(err).Str("user_id", userID).Msg("Verification check failed")
			return "", ErrCodeInvalid
		default:
			return "", err
		}
	}
	if err := s.store.PutContact(userID, phone); err != nil {
		return "", err
	}
	log.Info().Str("user_id", userID).Msg("Phone verified")
	return phone, nil
}

// generateCode draws a uniform 6-digit numeric code.
func generateCode() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}

// plausiblePhone accepts E.164-looking numbers; full validation belongs
// to the SMS gateway.
func plausiblePhone(phone string) bool {
	if len(phone) < 8 || len(phone) > 16 || !strings.HasPrefix(phone, "+") {
		return false
	}
	for _, r := range phone[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
