package domain

import "time"

// EventLedgerEntry records a gateway event ID so at-least-once webhook
// delivery is applied once. Processed flips false to true exactly once.
type EventLedgerEntry struct {
	EventID     string
	EventType   string
	Processed   bool
	ProcessedAt *time.Time
	ReceivedAt  time.Time
}
