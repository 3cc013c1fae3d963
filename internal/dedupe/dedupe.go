// Package dedupe builds the deterministic fingerprints that collapse
// logically-identical operations into one durable row.
package dedupe

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// NotificationKey fingerprints a notification independent of its
// rendered text: template key, category, user, and only the meta fields
// whose name ends in "Id", sorted for stability.
func NotificationKey(templateKey, category, userID string, meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		if strings.HasSuffix(k, "Id") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(templateKey)
	b.WriteByte('|')
	b.WriteString(category)
	b.WriteByte('|')
	b.WriteString(userID)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(meta[k])
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(b.String()))
}

// DispatchKey derives a per-channel key from the parent notification key.
func DispatchKey(parentKey string, channel string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(parentKey+"|"+channel))
}

// SequenceJobKey keys the outbound job for one step of one run, so
// re-ticking an already-sent step is idempotent under redelivery.
func SequenceJobKey(runID string, stepIndex int) string {
	return fmt.Sprintf("seq:%s:%d", runID, stepIndex)
}
