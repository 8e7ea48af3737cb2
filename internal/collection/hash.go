// Package collection provides change-detection hashing and merge logic
// for the caught-item collection.
package collection

import (
	"sort"
	"strconv"

	"github.com/pokebrowser/core/internal/models"
)

// EmptyHash is the sentinel for an empty collection. It is a literal, not
// the hash of "", so an empty set is always distinguishable.
const EmptyHash = "empty"

// Hash computes a stable fingerprint over the items' identity triples.
// It is order-independent: keys are sorted before hashing so re-fetching
// the same set in a different order never registers as a change. This is
// change detection only — no cryptographic property, collisions merely
// cost one redundant sync.
func Hash(items []models.Item) string {
	if len(items) == 0 {
		return EmptyHash
	}

	keys := make([]string, len(items))
	for i := range items {
		keys[i] = items[i].IdentityKey()
	}
	sort.Strings(keys)

	var h uint32
	for _, key := range keys {
		for i := 0; i < len(key); i++ {
			h = h*31 + uint32(key[i])
		}
		h = h*31 + '|'
	}

	return strconv.FormatUint(uint64(h), 36)
}
