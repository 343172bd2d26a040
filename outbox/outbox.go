package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fundbridge/db"
)

// Topics published by the lifecycle and disbursement paths.
const (
	TopicAgreementCreated      = "agreement.created"
	TopicAgreementSigned       = "agreement.signed"
	TopicAgreementActivated    = "agreement.activated"
	TopicMilestoneRecorded     = "milestone.recorded"
	TopicAgreementCompleted    = "agreement.completed"
	TopicDisbursementCompleted = "disbursement.completed"
)

// Message statuses.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Message represents a transactional outbox entry.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Enqueue writes a message inside the caller's transaction so it commits or
// rolls back together with the state change it describes.
func Enqueue(ctx context.Context, q db.Querier, topic string, payload any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	const insertSQL = `INSERT INTO outbox (id, topic, payload) VALUES ($1, $2, $3::jsonb)`
	if _, err := q.Exec(ctx, insertSQL, uuid.NewString(), topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}
