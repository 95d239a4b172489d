// Package webhooks receives Forge deliveries: HMAC verification, delivery
// dedupe, persistence, and workflow dispatch. Intake is O(1) per event;
// anything heavier runs on the dispatcher side.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/afu9/control-center/internal/errcode"
	"github.com/afu9/control-center/internal/events"
)

// Header names on inbound deliveries.
const (
	HeaderSignature = "X-Forge-Signature-256"
	HeaderDelivery  = "X-Forge-Delivery"
	HeaderEvent     = "X-Forge-Event"
)

// Intake results.
const (
	ResultOK        = "ok"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
)

// Delivery is one persisted webhook event.
type Delivery struct {
	ID         string                 `json:"id"`
	DeliveryID string                 `json:"deliveryId"`
	EventKind  string                 `json:"eventKind"`
	Action     string                 `json:"action,omitempty"`
	Repo       string                 `json:"repo,omitempty"`
	Payload    map[string]interface{} `json:"payload"`
}

// Outcome reports what intake did with a delivery.
type Outcome struct {
	Result     string `json:"result"`
	DeliveryID string `json:"deliveryId,omitempty"`
	Dispatched bool   `json:"dispatched"`
}

// Store persists deliveries.
type Store interface {
	// RecordDelivery inserts the dedupe row; returns false when the
	// delivery ID was already seen.
	RecordDelivery(ctx context.Context, deliveryID, eventKind string) (bool, error)
	SaveEvent(ctx context.Context, d *Delivery) error
}

// WorkflowMapping routes an event kind (optionally narrowed by action) to
// a handler.
type WorkflowMapping struct {
	EventKind   string
	Action      string
	AutoTrigger bool
	Handler     func(ctx context.Context, d *Delivery) error
}

// Intake verifies and records inbound deliveries.
type Intake struct {
	secret   []byte
	store    Store
	mappings []WorkflowMapping
	emitter  events.Emitter
	logger   *log.Logger
}

// NewIntake creates an intake. An empty secret disables signature
// verification (development only).
func NewIntake(secret string, store Store, emitter events.Emitter) *Intake {
	return &Intake{
		secret:  []byte(secret),
		store:   store,
		emitter: emitter,
		logger:  log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
	}
}

// Register adds a workflow mapping.
func (in *Intake) Register(m WorkflowMapping) {
	in.mappings = append(in.mappings, m)
}

// VerifySignature checks the sha256= signature header against the body.
// Length is compared before the constant-time comparison so malformed
// headers reject fast without leaking timing.
func (in *Intake) VerifySignature(body []byte, header string) bool {
	if len(in.secret) == 0 {
		return true
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	provided, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, in.secret)
	mac.Write(body)
	expected := mac.Sum(nil)
	if len(provided) != len(expected) {
		return false
	}
	return hmac.Equal(provided, expected)
}

// Handle processes one inbound delivery.
func (in *Intake) Handle(ctx context.Context, headers map[string]string, body []byte) (*Outcome, error) {
	if !in.VerifySignature(body, headers[HeaderSignature]) {
		in.logger.Printf("🚫 Rejected delivery %s: bad signature", headers[HeaderDelivery])
		return &Outcome{Result: ResultRejected}, errcode.New(errcode.SignatureInvalid, "webhook signature verification failed")
	}

	deliveryID := headers[HeaderDelivery]
	if deliveryID == "" {
		return &Outcome{Result: ResultRejected}, errcode.New(errcode.InvalidInput, "missing delivery id header")
	}
	eventKind := headers[HeaderEvent]
	if eventKind == "" {
		return &Outcome{Result: ResultRejected}, errcode.New(errcode.InvalidInput, "missing event kind header")
	}

	inserted, err := in.store.RecordDelivery(ctx, deliveryID, eventKind)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return &Outcome{Result: ResultDuplicate, DeliveryID: deliveryID}, nil
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return &Outcome{Result: ResultRejected, DeliveryID: deliveryID},
			errcode.Wrap(errcode.InvalidInput, "malformed webhook payload", err)
	}

	d := &Delivery{
		ID:         uuid.NewString(),
		DeliveryID: deliveryID,
		EventKind:  eventKind,
		Action:     stringField(payload, "action"),
		Repo:       repoField(payload),
		Payload:    payload,
	}
	if err := in.store.SaveEvent(ctx, d); err != nil {
		return nil, err
	}

	in.emitter.Emit(events.TypeWebhookReceived, "webhooks", deliveryID, map[string]interface{}{
		"eventKind": eventKind,
		"action":    d.Action,
		"repo":      d.Repo,
	})

	outcome := &Outcome{Result: ResultOK, DeliveryID: deliveryID}
	for _, m := range in.mappings {
		if m.EventKind != eventKind {
			continue
		}
		if m.Action != "" && m.Action != d.Action {
			continue
		}
		if !m.AutoTrigger {
			break
		}
		// Dispatch is asynchronous; intake never blocks on the handler.
		go func(m WorkflowMapping, d *Delivery) {
			if err := m.Handler(context.Background(), d); err != nil {
				in.logger.Printf("❌ Workflow for %s.%s failed: %v", d.EventKind, d.Action, err)
			}
		}(m, d)
		outcome.Dispatched = true
		break
	}
	in.logger.Printf("✅ Delivery %s (%s.%s) accepted", deliveryID, eventKind, d.Action)
	return outcome, nil
}

func stringField(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func repoField(payload map[string]interface{}) string {
	repo, ok := payload["repository"].(map[string]interface{})
	if !ok {
		return ""
	}
	return stringField(repo, "full_name")
}
