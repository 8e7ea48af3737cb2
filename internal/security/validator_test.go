// Package security provides unit tests for validation and sanitization.
package security

import (
	"strings"
	"testing"
	"time"

	apperrors "github.com/pokebrowser/core/internal/errors"
	"github.com/pokebrowser/core/internal/models"
)

// fakeClock returns a fixed time for deterministic tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func validItem() models.Item {
	return models.Item{
		SpeciesID:   25,
		DisplayName: "Pikachu",
		CaughtAt:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		OriginSite:  "example.com",
	}
}

func testClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)}
}

// TestValidateItemAccepts tests a well-formed item.
func TestValidateItemAccepts(t *testing.T) {
	v := NewValidator(0, 0, testClock())
	item := validItem()

	if err := v.ValidateItem(&item); err != nil {
		t.Errorf("Expected valid item to pass, got %v", err)
	}
}

// TestValidateItemBounds tests each rejection reason.
func TestValidateItemBounds(t *testing.T) {
	clock := testClock()
	v := NewValidator(0, 0, clock)

	cases := []struct {
		name   string
		mutate func(*models.Item)
	}{
		{"species too low", func(i *models.Item) { i.SpeciesID = 0 }},
		{"species too high", func(i *models.Item) { i.SpeciesID = 2000 }},
		{"empty origin site", func(i *models.Item) { i.OriginSite = "" }},
		{"zero timestamp", func(i *models.Item) { i.CaughtAt = 0 }},
		{"name too long", func(i *models.Item) { i.DisplayName = strings.Repeat("a", MaxNameLength+1) }},
		{"site too long", func(i *models.Item) { i.OriginSite = strings.Repeat("a", MaxSiteLength+1) }},
		{"future timestamp", func(i *models.Item) { i.CaughtAt = clock.now.Add(time.Hour).UnixMilli() }},
		{"level out of range", func(i *models.Item) { i.Level = 101 }},
	}

	for _, tc := range cases {
		item := validItem()
		tc.mutate(&item)
		err := v.ValidateItem(&item)
		if err == nil {
			t.Errorf("%s: expected validation error", tc.name)
			continue
		}
		if !apperrors.Is(err, apperrors.ErrValidation) {
			t.Errorf("%s: expected ErrValidation code, got %v", tc.name, err)
		}
	}
}

// TestValidateItemClockSkew tests the one-minute allowance for clock skew.
func TestValidateItemClockSkew(t *testing.T) {
	clock := testClock()
	v := NewValidator(0, 0, clock)

	item := validItem()
	item.CaughtAt = clock.now.Add(30 * time.Second).UnixMilli()

	if err := v.ValidateItem(&item); err != nil {
		t.Errorf("Expected 30s future skew to pass, got %v", err)
	}
}

// TestValidateBatch tests the batch ceiling.
func TestValidateBatch(t *testing.T) {
	v := NewValidator(10, 0, testClock())

	if err := v.ValidateBatch(10); err != nil {
		t.Errorf("Expected batch at limit to pass, got %v", err)
	}
	if err := v.ValidateBatch(11); err == nil {
		t.Error("Expected batch over limit to fail")
	}
}

// TestValidateCollectionSize tests the collection cap.
func TestValidateCollectionSize(t *testing.T) {
	v := NewValidator(0, 200, testClock())

	if err := v.ValidateCollectionSize(200); err != nil {
		t.Errorf("Expected collection at cap to pass, got %v", err)
	}
	if err := v.ValidateCollectionSize(201); err == nil {
		t.Error("Expected collection over cap to fail")
	}
}

// TestSanitizeItemClamps tests field clamping.
func TestSanitizeItemClamps(t *testing.T) {
	v := NewValidator(0, 0, testClock())

	item := validItem()
	item.DisplayName = strings.Repeat("x", MaxNameLength+50)
	item.Level = 250

	clean := v.SanitizeItem(item)

	if len(clean.DisplayName) != MaxNameLength {
		t.Errorf("Expected name truncated to %d, got %d", MaxNameLength, len(clean.DisplayName))
	}
	if clean.Level != 100 {
		t.Errorf("Expected level clamped to 100, got %d", clean.Level)
	}
}

// TestSanitizeMapStripsSuspiciousKeys tests key stripping, including
// nested maps.
func TestSanitizeMapStripsSuspiciousKeys(t *testing.T) {
	v := NewValidator(0, 0, testClock())

	payload := map[string]interface{}{
		"__proto__": "bad",
		"$where":    "bad",
		"a..b":      "bad",
		"ok":        "fine",
		"nested": map[string]interface{}{
			"__inner__": "bad",
			"keep":      "fine",
		},
	}

	clean := v.SanitizeMap(payload)

	if len(clean) != 2 {
		t.Fatalf("Expected 2 surviving keys, got %d: %v", len(clean), clean)
	}
	nested, ok := clean["nested"].(map[string]interface{})
	if !ok {
		t.Fatal("Expected nested map to survive")
	}
	if _, bad := nested["__inner__"]; bad {
		t.Error("Expected nested suspicious key to be stripped")
	}
}

// TestSanitizeMapClampsValues tests value clamping.
func TestSanitizeMapClampsValues(t *testing.T) {
	v := NewValidator(0, 0, testClock())

	longArray := make([]interface{}, MaxArrayLength+20)
	for i := range longArray {
		longArray[i] = i
	}

	clean := v.SanitizeMap(map[string]interface{}{
		"long":  strings.Repeat("s", MaxStringLength+1),
		"items": longArray,
	})

	if s := clean["long"].(string); len(s) != MaxStringLength {
		t.Errorf("Expected string truncated to %d, got %d", MaxStringLength, len(s))
	}
	if arr := clean["items"].([]interface{}); len(arr) != MaxArrayLength {
		t.Errorf("Expected array truncated to %d, got %d", MaxArrayLength, len(arr))
	}
}
