package provider

import (
	"strings"

	"gocode-gateway/internal/models"
)

// ValidateMessages rejects message lists no vendor can accept.
func ValidateMessages(msgs []models.Message) error {
	if len(msgs) == 0 {
		return Invalid("at least one message is required")
	}
	turns := 0
	for i, msg := range msgs {
		if !msg.Role.Valid() {
			return Invalid("messages[%d]: unsupported role %q", i, msg.Role)
		}
		if msg.Role != models.RoleSystem {
			if strings.TrimSpace(msg.Content) == "" {
				return Invalid("messages[%d]: content must not be empty", i)
			}
			turns++
		}
	}
	if turns == 0 {
		return Invalid("at least one user or assistant message is required")
	}
	return nil
}

// ResolveModel returns the requested model, or def when none was requested.
func ResolveModel(requested, def string) string {
	if m := strings.TrimSpace(requested); m != "" {
		return m
	}
	return def
}
