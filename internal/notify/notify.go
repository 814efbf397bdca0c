// Package notify publishes CR verdicts to chat and event channels.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"crguard/internal/crguard"
)

const (
	// Retry configuration for publishes.
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 5 * time.Second
	publishTimeout = 10 * time.Second
)

// EventType identifies CR summary events on message buses.
const EventType = "crguard.cr.summary"

// Notifier delivers a CR summary somewhere.
type Notifier interface {
	Notify(ctx context.Context, s crguard.CRSummary) error
}

// Event is the message published to Kafka and MQTT.
type Event struct {
	Summary           crguard.CRSummary `json:"summary"`
	Type              string            `json:"type"`
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	OverallCompliance float64           `json:"overall_compliance"`
	PolicySuccessRate float64           `json:"policy_success_rate"`
	Successful        bool              `json:"successful"`
}

// Encode marshals the event for a summary.
func Encode(s crguard.CRSummary) ([]byte, error) {
	b, err := json.Marshal(Event{
		Type:              EventType,
		ID:                s.ID,
		Name:              s.Name,
		Successful:        s.Successful,
		OverallCompliance: s.OverallCompliance,
		PolicySuccessRate: s.PolicySuccessRate,
		Summary:           s,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal summary event: %w", err)
	}
	return b, nil
}

// Multi fans a summary out to several notifiers.
type Multi []Notifier

// Notify delivers to every notifier. Failures are logged and joined, and never
// stop the remaining deliveries.
func (m Multi) Notify(ctx context.Context, s crguard.CRSummary) error {
	start := time.Now()
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, s); err != nil {
			log.Printf("[WARN] Notification via %T failed: %v (continuing)", n, err)
			errs = append(errs, err)
		}
	}
	log.Printf("[INFO] Sent %d/%d notifications for CR %s in %v",
		len(m)-len(errs), len(m), s.Name, time.Since(start))
	return errors.Join(errs...)
}

// Close releases every notifier holding a connection.
func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if c, ok := n.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
