package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// DuplicateGroup represents a group of entries sharing the same password.
type DuplicateGroup struct {
	// IDs contains the ids of entries with the same value.
	IDs []string `json:"ids,omitempty"`
	// Count is the number of duplicates.
	Count int `json:"count"`
}

// FindDuplicates groups entries whose passwords are equal after trimming.
// Values are compared as HMAC-SHA256 under a key that lives only as long as
// the Analyzer, so no comparable hash outlives the call.
// Groups are sorted by count, most duplicated first.
func (a *Analyzer) FindDuplicates(entries []Entry, limit int) ([]DuplicateGroup, error) {
	if err := a.ensureKey(); err != nil {
		return nil, err
	}

	groups := make(map[string][]string)
	var order []string
	for _, e := range entries {
		value := normalizeValue(e.Password)
		if value == "" {
			continue
		}
		hash := computeValueHash(value, a.hmacKey)
		if _, ok := groups[hash]; !ok {
			order = append(order, hash)
		}
		groups[hash] = append(groups[hash], e.ID)
	}

	var result []DuplicateGroup
	for _, hash := range order {
		ids := groups[hash]
		if len(ids) <= 1 {
			continue
		}
		result = append(result, DuplicateGroup{IDs: ids, Count: len(ids)})
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Count > result[j].Count
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (a *Analyzer) ensureKey() error {
	if a.hmacKey != nil {
		return nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	a.hmacKey = key
	return nil
}

// computeValueHash computes HMAC-SHA256 of a value with the session key.
func computeValueHash(value string, key []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeValue normalizes a password value for comparison.
// Currently only trims leading/trailing whitespace.
func normalizeValue(value string) string {
	return strings.TrimSpace(value)
}
