package lock

import "strings"

const keyNamespace = "lock"

// Key builds a lock key inside the namespace owned by this package, e.g.
// Key("ticket", id) == "lock:ticket:<id>".
func Key(parts ...string) string {
	trimmed := make([]string, 0, len(parts)+1)
	trimmed = append(trimmed, keyNamespace)
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			trimmed = append(trimmed, part)
		}
	}
	return strings.Join(trimmed, ":")
}

// TicketKey returns the lock key guarding a single ticket.
func TicketKey(ticketID string) string {
	return Key("ticket", ticketID)
}
