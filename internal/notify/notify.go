// Package notify delivers digests to tenants over the messaging
// channel. Delivery is at-most-once: a failed send is logged and
// dropped, never retried.
package notify

import (
	"context"
	"unicode/utf8"
)

// truncationMarker replaces the tail of an oversized payload.
const truncationMarker = "..."

// Notifier sends one digest to one tenant's channel.
type Notifier interface {
	// Send delivers text to the tenant. richFormatting asks the channel
	// to render markup; protectContent forbids forwarding and saving
	// where the channel supports it.
	Send(ctx context.Context, tenantID, text string, richFormatting, protectContent bool) error
}

// Truncate bounds text to max characters, replacing the cut tail with
// a marker. The cut always lands on a rune boundary so a multi-byte
// character is never split. Text at or under the limit is returned
// unchanged.
func Truncate(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	if max <= len(truncationMarker) {
		return string(runes[:max])
	}
	return string(runes[:max-len(truncationMarker)]) + truncationMarker
}
