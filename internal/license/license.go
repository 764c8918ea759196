// Package license handles offline validation of Tome activation keys and
// persistence of the activation record.
package license

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tomedesk/tome/internal/gate"
)

// License errors
var (
	ErrEmptyKey         = errors.New("license key is empty")
	ErrMalformedKey     = errors.New("malformed license key")
	ErrUnknownTier      = errors.New("unknown license tier")
	ErrSignatureInvalid = errors.New("license signature invalid")
)

const (
	// KeyPrefix is the fixed first segment of every activation key.
	KeyPrefix = "TOME"

	// signatureLength is the number of hex characters kept from the HMAC.
	signatureLength = 12

	// minPayloadLength is the minimum length of the payload segment.
	minPayloadLength = 8
)

// signingSecret is the keyed-hash secret used for offline validation.
// Embedded at build time for release builds via -ldflags.
var signingSecret = "tome-offline-activation-v1"

// SetSigningSecret overrides the signing secret. Called during initialization
// with the production secret.
func SetSigningSecret(secret string) {
	if secret != "" {
		signingSecret = secret
	}
}

// Record is the persisted activation record, the single source of truth for
// the current tier. Absence of a record means free tier, not activated.
type Record struct {
	Key         string    `json:"key"`
	Tier        gate.Tier `json:"tier"`
	ActivatedAt time.Time `json:"activatedAt"`
}

// ActivationResult is the structured outcome of an activation attempt.
// Validation failures are results, never raised errors.
type ActivationResult struct {
	Valid bool      `json:"valid"`
	Tier  gate.Tier `json:"tier,omitempty"`
	Error string    `json:"error,omitempty"`
}

// Status is the UI-facing summary of the current activation. The key is only
// ever exposed masked.
type Status struct {
	Tier        gate.Tier  `json:"tier"`
	IsActivated bool       `json:"isActivated"`
	MaskedKey   string     `json:"maskedKey,omitempty"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
}

// Service validates activation keys and owns the persisted record.
type Service struct {
	mu          sync.RWMutex
	persistence *Persistence
	record      *Record

	// Callback when the resolved tier changes; wired to the feature gate.
	onTierChange func(gate.Tier)
}

// NewService creates a license service persisting under dataDir and loads any
// existing record. A corrupt or tampered record on disk degrades to free
// tier rather than failing startup.
func NewService(dataDir string) (*Service, error) {
	persistence, err := NewPersistence(dataDir)
	if err != nil {
		return nil, err
	}

	s := &Service{persistence: persistence}

	record, err := persistence.Load()
	if err != nil {
		return nil, err
	}
	if record != nil {
		// Re-validate on load so a hand-edited record cannot raise the tier.
		tier, verr := validateKey(record.Key)
		if verr != nil || tier != record.Tier {
			return s, nil
		}
		s.record = record
	}
	return s, nil
}

// SetTierChangeCallback registers a callback invoked with the resolved tier
// after activation, deactivation, and once immediately for the loaded state.
func (s *Service) SetTierChangeCallback(cb func(gate.Tier)) {
	s.mu.Lock()
	s.onTierChange = cb
	tier := s.tierLocked()
	s.mu.Unlock()

	if cb != nil {
		cb(tier)
	}
}

// Activate validates a key, persists the activation record on success, and
// returns the resolved tier. Any validation failure yields {valid:false}
// with a reason; forged signatures are rejected uniformly.
func (s *Service) Activate(key string) ActivationResult {
	tier, err := validateKey(key)
	if err != nil {
		return ActivationResult{Valid: false, Error: err.Error()}
	}

	record := &Record{
		Key:         strings.TrimSpace(key),
		Tier:        tier,
		ActivatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	if err := s.persistence.Save(record); err != nil {
		s.mu.Unlock()
		return ActivationResult{Valid: false, Error: fmt.Sprintf("persist activation: %v", err)}
	}
	s.record = record
	cb := s.onTierChange
	s.mu.Unlock()

	if cb != nil {
		cb(tier)
	}
	return ActivationResult{Valid: true, Tier: tier}
}

// Deactivate deletes the persisted record and reverts to the free tier.
// Safe to call when no record exists.
func (s *Service) Deactivate() error {
	s.mu.Lock()
	if err := s.persistence.Delete(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.record = nil
	cb := s.onTierChange
	s.mu.Unlock()

	if cb != nil {
		cb(gate.TierFree)
	}
	return nil
}

// Tier returns the currently resolved tier.
func (s *Service) Tier() gate.Tier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tierLocked()
}

func (s *Service) tierLocked() gate.Tier {
	if s.record == nil {
		return gate.TierFree
	}
	return s.record.Tier
}

// Status returns the activation summary with a masked key rendering.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.record == nil {
		return Status{Tier: gate.TierFree, IsActivated: false}
	}

	activatedAt := s.record.ActivatedAt
	return Status{
		Tier:        s.record.Tier,
		IsActivated: true,
		MaskedKey:   MaskKey(s.record.Key),
		ActivatedAt: &activatedAt,
	}
}

// MaskKey renders a display-safe form of an activation key: the prefix and
// tier segments plus the first two payload characters. The payload remainder
// and the signature are never revealed.
func MaskKey(key string) string {
	parts := strings.Split(strings.TrimSpace(key), "-")
	if len(parts) != 4 {
		return "****"
	}
	payload := parts[2]
	visible := payload
	if len(payload) > 2 {
		visible = payload[:2]
	}
	return fmt.Sprintf("%s-%s-%s%s", parts[0], parts[1], visible,
		strings.Repeat("*", len(payload)-len(visible)))
}

// validateKey checks structure first, then the keyed hash. The structural
// checks fail fast with specific reasons; a signature mismatch is rejected
// without revealing which part was wrong.
func validateKey(key string) (gate.Tier, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrEmptyKey
	}

	parts := strings.Split(key, "-")
	if len(parts) != 4 {
		return "", fmt.Errorf("%w: expected 4 segments, got %d", ErrMalformedKey, len(parts))
	}
	if parts[0] != KeyPrefix {
		return "", fmt.Errorf("%w: bad prefix", ErrMalformedKey)
	}

	tier := gate.Tier(strings.ToLower(parts[1]))
	if !tier.Known() || tier == gate.TierFree {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, parts[1])
	}

	if len(parts[2]) < minPayloadLength {
		return "", fmt.Errorf("%w: payload too short", ErrMalformedKey)
	}
	if len(parts[3]) != signatureLength {
		return "", fmt.Errorf("%w: bad signature length", ErrMalformedKey)
	}

	expected := signKey(parts[0], parts[1], parts[2])
	if !strings.EqualFold(expected, parts[3]) {
		return "", ErrSignatureInvalid
	}

	return tier, nil
}

// signKey computes the truncated hex HMAC over the non-signature segments.
func signKey(prefix, tier, payload string) string {
	mac := hmac.New(sha256.New, []byte(signingSecret))
	fmt.Fprintf(mac, "%s-%s-%s", prefix, tier, payload)
	return hex.EncodeToString(mac.Sum(nil))[:signatureLength]
}

// GenerateKey issues a new activation key for the given tier using the same
// signature algorithm the validator checks against. Used by the admin
// `tomed license generate` command and by test fixtures.
func GenerateKey(tier gate.Tier) (string, error) {
	if !tier.Known() || tier == gate.TierFree {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}

	payload, err := randomPayload(12)
	if err != nil {
		return "", fmt.Errorf("generate payload: %w", err)
	}

	tierSegment := strings.ToUpper(string(tier))
	signature := strings.ToUpper(signKey(KeyPrefix, tierSegment, payload))
	return fmt.Sprintf("%s-%s-%s-%s", KeyPrefix, tierSegment, payload, signature), nil
}

// payloadAlphabet avoids characters that are easy to misread when a user
// types a key by hand.
const payloadAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

func randomPayload(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = payloadAlphabet[int(b)%len(payloadAlphabet)]
	}
	return string(buf), nil
}
