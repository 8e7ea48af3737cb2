// Package security validates and sanitizes records before they cross into
// the remote store, and rate-limits operations per user.
package security

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/pokebrowser/core/internal/errors"
	"github.com/pokebrowser/core/internal/models"
)

// Field bounds applied to every item before a remote write.
const (
	MaxNameLength   = 100
	MaxSiteLength   = 255
	MaxBatchSize    = 50
	MaxStringLength = 500 // free-form strings in raw payloads
	MaxArrayLength  = 100 // arrays in raw payloads
)

// suspiciousKeyParts are substrings that disqualify a key in a raw
// payload. They cover prototype-pollution style names and path escapes.
var suspiciousKeyParts = []string{"__", "$", ".."}

// Validator bounds-checks records heading for the remote store. The same
// checks run for every caller; there is no trusted-internal bypass.
type Validator struct {
	maxBatch      int
	maxCollection int
	clock         Clock
}

// NewValidator creates a Validator. Zero maxBatch or maxCollection fall
// back to the defaults (50 and 200).
func NewValidator(maxBatch, maxCollection int, clock Clock) *Validator {
	if maxBatch <= 0 || maxBatch > MaxBatchSize {
		maxBatch = MaxBatchSize
	}
	if maxCollection <= 0 {
		maxCollection = 200
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Validator{maxBatch: maxBatch, maxCollection: maxCollection, clock: clock}
}

// MaxBatch returns the configured batch ceiling.
func (v *Validator) MaxBatch() int { return v.maxBatch }

// ValidateItem checks a single item's bounds. The returned error carries a
// structured reason; callers log and drop rather than aborting a batch.
func (v *Validator) ValidateItem(item *models.Item) error {
	if err := item.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid item", err)
	}
	if utf8.RuneCountInString(item.DisplayName) > MaxNameLength {
		return apperrors.Newf(apperrors.ErrValidation, "display name exceeds %d characters", MaxNameLength)
	}
	if len(item.OriginSite) > MaxSiteLength {
		return apperrors.Newf(apperrors.ErrValidation, "origin site exceeds %d characters", MaxSiteLength)
	}
	if item.CaughtAtTime().After(v.clock.Now().Add(time.Minute)) {
		return apperrors.New(apperrors.ErrValidation, "caught timestamp is in the future")
	}
	return nil
}

// ValidateBatch rejects arrays exceeding the configured maximum.
func (v *Validator) ValidateBatch(n int) error {
	if n > v.maxBatch {
		return apperrors.Newf(apperrors.ErrValidation, "batch of %d exceeds maximum %d", n, v.maxBatch)
	}
	return nil
}

// ValidateCollectionSize enforces the per-user collection cap.
func (v *Validator) ValidateCollectionSize(n int) error {
	if n > v.maxCollection {
		return apperrors.Newf(apperrors.ErrValidation, "collection of %d exceeds cap %d", n, v.maxCollection)
	}
	return nil
}

// SanitizeItem clamps an item's fields into bounds. Runs immediately
// before any remote write, after validation has already dropped items that
// cannot be repaired.
func (v *Validator) SanitizeItem(item models.Item) models.Item {
	item.DisplayName = truncate(item.DisplayName, MaxNameLength)
	item.OriginSite = truncate(item.OriginSite, MaxSiteLength)
	if item.Level < 0 {
		item.Level = 0
	}
	if item.Level > 100 {
		item.Level = 100
	}
	return item
}

// SanitizeMap strips suspicious keys from a raw payload and clamps its
// values: strings truncated, numbers forced finite, arrays truncated,
// nested maps sanitized recursively.
func (v *Validator) SanitizeMap(payload map[string]interface{}) map[string]interface{} {
	clean := make(map[string]interface{}, len(payload))
	for key, value := range payload {
		if suspiciousKey(key) {
			continue
		}
		clean[key] = sanitizeValue(value)
	}
	return clean
}

func suspiciousKey(key string) bool {
	for _, part := range suspiciousKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func sanitizeValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case string:
		return truncate(typed, MaxStringLength)
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return float64(0)
		}
		return typed
	case []interface{}:
		if len(typed) > MaxArrayLength {
			typed = typed[:MaxArrayLength]
		}
		for i := range typed {
			typed[i] = sanitizeValue(typed[i])
		}
		return typed
	case map[string]interface{}:
		clean := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			if suspiciousKey(k) {
				continue
			}
			clean[k] = sanitizeValue(v)
		}
		return clean
	default:
		return value
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
