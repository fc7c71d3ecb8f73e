// Package cache provides the response cache used by the chat relay. Entries
// are keyed by a normalized fingerprint of the user's message and the most
// recent conversation turns. The default implementation is Memory.
package cache

import (
	"strings"
	"time"
)

// Default sizing for the response cache.
const (
	DefaultCapacity = 1000
	DefaultTTL      = time.Hour
	SeedTTL         = 24 * time.Hour

	// KeyHistoryTurns is the number of trailing history turns that
	// contribute to a cache key. Older turns never affect the key, so two
	// conversations that only differ before the last three turns share an
	// entry.
	KeyHistoryTurns = 3

	// KeySeparator joins the key segments. It is not escaped: message or
	// history content containing a literal "|" can collide with a
	// different split of the same text.
	KeySeparator = "|"
)

// Turn is one prior message in the conversation history supplied by the
// client.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Stats is a read-only snapshot for health reporting.
type Stats struct {
	Size int    `json:"size"`
	Kind string `json:"kind"`
}

// Cache defines the interface for response caching.
type Cache interface {
	Get(message string, history []Turn) (string, bool)
	Set(message, response string, history []Turn)
	SetWithTTL(message, response string, history []Turn, ttl time.Duration)
	Cleanup() int
	Stats() Stats
}

// Key returns the cache fingerprint for message and history.
func Key(message string, history []Turn) string {
	if len(history) > KeyHistoryTurns {
		history = history[len(history)-KeyHistoryTurns:]
	}
	parts := make([]string, len(history))
	for i, t := range history {
		parts[i] = normalize(t.Content)
	}
	return normalize(message) + KeySeparator + strings.Join(parts, KeySeparator)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
