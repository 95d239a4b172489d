package api

import (
	"io"
	"net/http"

	"github.com/afu9/control-center/internal/errcode"
	"github.com/afu9/control-center/internal/webhooks"
)

// handleForgeWebhook feeds raw deliveries into the intake. Intake is the
// authority on signatures and dedupe; this handler only shapes the HTTP
// envelope.
func (s *Server) handleForgeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Intake == nil {
		writeError(w, r, errcode.New(errcode.Unavailable, "webhook intake disabled"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, r, errcode.Wrap(errcode.InvalidInput, "reading webhook body", err))
		return
	}

	headers := map[string]string{
		webhooks.HeaderSignature: r.Header.Get(webhooks.HeaderSignature),
		webhooks.HeaderDelivery:  r.Header.Get(webhooks.HeaderDelivery),
		webhooks.HeaderEvent:     r.Header.Get(webhooks.HeaderEvent),
	}

	outcome, err := s.deps.Intake.Handle(r.Context(), headers, body)
	if s.deps.Metrics != nil && outcome != nil {
		s.deps.Metrics.RecordWebhook(headers[webhooks.HeaderEvent], outcome.Result)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}
