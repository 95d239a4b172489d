package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afu9/control-center/internal/errcode"
	"github.com/afu9/control-center/internal/events"
)

const testSecret = "it-is-a-secret"

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func headersFor(body []byte, deliveryID, eventKind string) map[string]string {
	return map[string]string{
		HeaderSignature: sign(body),
		HeaderDelivery:  deliveryID,
		HeaderEvent:     eventKind,
	}
}

func TestVerifySignature(t *testing.T) {
	in := NewIntake(testSecret, NewMemoryStore(), events.NewBus())
	body := []byte(`{"action":"opened"}`)

	assert.True(t, in.VerifySignature(body, sign(body)))
	assert.False(t, in.VerifySignature(body, "sha256=deadbeef"))
	assert.False(t, in.VerifySignature(body, "sha1=whatever"))
	assert.False(t, in.VerifySignature(body, "sha256=not-hex"))
	assert.False(t, in.VerifySignature(body, ""))

	// Empty secret disables verification entirely.
	open := NewIntake("", NewMemoryStore(), events.NewBus())
	assert.True(t, open.VerifySignature(body, ""))
}

func TestHandleRejectsBadSignature(t *testing.T) {
	in := NewIntake(testSecret, NewMemoryStore(), events.NewBus())
	body := []byte(`{}`)

	outcome, err := in.Handle(context.Background(), map[string]string{
		HeaderSignature: "sha256=deadbeef",
		HeaderDelivery:  "d-1",
		HeaderEvent:     "issues",
	}, body)
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.SignatureInvalid))
	assert.Equal(t, ResultRejected, outcome.Result)
}

func TestHandleRejectsMissingHeaders(t *testing.T) {
	in := NewIntake(testSecret, NewMemoryStore(), events.NewBus())
	body := []byte(`{}`)

	h := headersFor(body, "", "issues")
	_, err := in.Handle(context.Background(), h, body)
	assert.True(t, errcode.Is(err, errcode.InvalidInput))

	h = headersFor(body, "d-1", "")
	_, err = in.Handle(context.Background(), h, body)
	assert.True(t, errcode.Is(err, errcode.InvalidInput))
}

func TestHandleDeduplicatesDeliveries(t *testing.T) {
	store := NewMemoryStore()
	in := NewIntake(testSecret, store, events.NewBus())
	body := []byte(`{"action":"opened","repository":{"full_name":"acme/repo"}}`)

	first, err := in.Handle(context.Background(), headersFor(body, "d-1", "issues"), body)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, first.Result)

	second, err := in.Handle(context.Background(), headersFor(body, "d-1", "issues"), body)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, second.Result)
	assert.False(t, second.Dispatched)

	// Only the first delivery landed as an event row.
	assert.Len(t, store.Events(), 1)
}

func TestHandlePersistsParsedEvent(t *testing.T) {
	store := NewMemoryStore()
	in := NewIntake(testSecret, store, events.NewBus())
	body := []byte(`{"action":"closed","repository":{"full_name":"acme/repo"}}`)

	_, err := in.Handle(context.Background(), headersFor(body, "d-9", "pull_request"), body)
	require.NoError(t, err)

	saved := store.Events()
	require.Len(t, saved, 1)
	assert.Equal(t, "d-9", saved[0].DeliveryID)
	assert.Equal(t, "pull_request", saved[0].EventKind)
	assert.Equal(t, "closed", saved[0].Action)
	assert.Equal(t, "acme/repo", saved[0].Repo)
}

func TestHandleRejectsMalformedPayload(t *testing.T) {
	in := NewIntake(testSecret, NewMemoryStore(), events.NewBus())
	body := []byte(`{not json`)

	outcome, err := in.Handle(context.Background(), headersFor(body, "d-2", "issues"), body)
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.InvalidInput))
	assert.Equal(t, ResultRejected, outcome.Result)
}

func TestHandleDispatchesMatchingWorkflow(t *testing.T) {
	in := NewIntake(testSecret, NewMemoryStore(), events.NewBus())
	var handled int64
	done := make(chan struct{})
	in.Register(WorkflowMapping{
		EventKind:   "pull_request",
		Action:      "closed",
		AutoTrigger: true,
		Handler: func(ctx context.Context, d *Delivery) error {
			atomic.AddInt64(&handled, 1)
			close(done)
			return nil
		},
	})

	body := []byte(`{"action":"closed"}`)
	outcome, err := in.Handle(context.Background(), headersFor(body, "d-3", "pull_request"), body)
	require.NoError(t, err)
	assert.True(t, outcome.Dispatched)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&handled))
}

func TestHandleSkipsNonMatchingAction(t *testing.T) {
	in := NewIntake(testSecret, NewMemoryStore(), events.NewBus())
	in.Register(WorkflowMapping{
		EventKind:   "pull_request",
		Action:      "closed",
		AutoTrigger: true,
		Handler: func(ctx context.Context, d *Delivery) error {
			t.Error("handler must not run for a non-matching action")
			return nil
		},
	})

	body := []byte(`{"action":"opened"}`)
	outcome, err := in.Handle(context.Background(), headersFor(body, "d-4", "pull_request"), body)
	require.NoError(t, err)
	assert.False(t, outcome.Dispatched)
}

func TestHandleRespectsAutoTriggerFlag(t *testing.T) {
	in := NewIntake(testSecret, NewMemoryStore(), events.NewBus())
	in.Register(WorkflowMapping{
		EventKind:   "issues",
		AutoTrigger: false,
		Handler: func(ctx context.Context, d *Delivery) error {
			t.Error("handler must not run when autoTrigger is off")
			return nil
		},
	})

	body := []byte(`{"action":"opened"}`)
	outcome, err := in.Handle(context.Background(), headersFor(body, "d-5", "issues"), body)
	require.NoError(t, err)
	assert.False(t, outcome.Dispatched)
}
