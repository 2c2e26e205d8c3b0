package security

import (
	"context"
	"time"

	"github.com/waddleai/waddlegate/internal/storage"
)

// EventCounter reports how many SecurityEvent rows match a set of scoping
// conditions within a window. The store-side query ANDs every supplied
// condition together -- tenant, credential, and source IP are each optional,
// and only the non-empty ones narrow the count.
type EventCounter struct {
	store storage.SecurityEventStore
}

// NewEventCounter returns an EventCounter backed by store.
func NewEventCounter(store storage.SecurityEventStore) *EventCounter {
	return &EventCounter{store: store}
}

// ExceedsThreshold reports whether the number of security events matching
// tenantID/credentialID/sourceIP within the trailing window meets or
// exceeds threshold. Any of the scoping fields may be empty to widen the
// match; the store intersects only the fields actually supplied.
func (c *EventCounter) ExceedsThreshold(ctx context.Context, tenantID, credentialID, sourceIP string, window time.Duration, threshold int) (bool, error) {
	if c == nil || c.store == nil {
		return false, nil
	}
	n, err := c.store.CountSecurityEvents(ctx, tenantID, credentialID, sourceIP, time.Now().Add(-window))
	if err != nil {
		return false, err
	}
	return n >= threshold, nil
}
