package collection

import "github.com/pokebrowser/core/internal/models"

// MergeResult reports what a merge produced.
type MergeResult struct {
	Items    []models.Item
	NewCount int // remote-only items appended
}

// Merge combines the local and remote collections with identity-triple
// dedup. Local items win ties; remote-only items are appended in their
// incoming order. The result never contains two items sharing a triple.
func Merge(local, remote []models.Item) MergeResult {
	merged := make([]models.Item, 0, len(local)+len(remote))
	seen := make(map[string]struct{}, len(local))

	for _, item := range local {
		key := item.IdentityKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, item)
	}

	newCount := 0
	for _, item := range remote {
		key := item.IdentityKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, item)
		newCount++
	}

	return MergeResult{Items: merged, NewCount: newCount}
}

// KeySet returns the identity-triple keys of the given items.
func KeySet(items []models.Item) map[string]struct{} {
	keys := make(map[string]struct{}, len(items))
	for i := range items {
		keys[items[i].IdentityKey()] = struct{}{}
	}
	return keys
}
