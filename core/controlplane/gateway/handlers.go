package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cordum/agentgate/core/approval"
	"github.com/cordum/agentgate/core/infra/secrets"
	"github.com/cordum/agentgate/core/policy"
	"github.com/cordum/agentgate/core/webhook"
)

// ---- Requests ----

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var in approval.SubmitInput
	if !decodeBody(w, r, &in) {
		return
	}
	req, err := s.approvals.Submit(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	status := approval.Status(strings.TrimSpace(r.URL.Query().Get("status")))
	items, err := s.approvals.List(r.Context(), status, parseLimit(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.approvals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDecideRequest(w http.ResponseWriter, r *http.Request) {
	var in approval.DecideInput
	if !decodeBody(w, r, &in) {
		return
	}
	req, err := s.approvals.Decide(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ---- Policies ----

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	items, err := s.policies.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// decodePolicy checks the raw document against the policy schema before
// decoding it. An omitted enabled field means enabled, as in bundles.
func decodePolicy(w http.ResponseWriter, r *http.Request) (*policy.Policy, bool) {
	var raw json.RawMessage
	if !decodeBody(w, r, &raw) {
		return nil, false
	}
	if err := policy.ValidateDocument(raw); err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	var p policy.Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err == nil {
		if _, set := fields["enabled"]; !set {
			p.Enabled = true
		}
	}
	return &p, true
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := decodePolicy(w, r)
	if !ok {
		return
	}
	if err := s.policies.Create(r.Context(), p); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.policies.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := decodePolicy(w, r)
	if !ok {
		return
	}
	p.ID = r.PathValue("id")
	if err := s.policies.Update(r.Context(), p); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.policies.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- Webhooks ----

// webhookView hides the signing secret. The full secret is only returned
// once, from create.
type webhookView struct {
	webhook.Webhook
	Secret string `json:"secret,omitempty"`
}

func maskedWebhook(h webhook.Webhook) webhookView {
	return webhookView{Webhook: h, Secret: secrets.Mask(h.Secret)}
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.webhooks.ListWebhooks(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	items := make([]webhookView, 0, len(hooks))
	for _, h := range hooks {
		items = append(items, maskedWebhook(h))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var in webhook.WebhookInput
	if !decodeBody(w, r, &in) {
		return
	}
	hook, err := s.dispatcher.CreateWebhook(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var in webhook.WebhookInput
	if !decodeBody(w, r, &in) {
		return
	}
	hook, err := s.dispatcher.UpdateWebhook(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, maskedWebhook(*hook))
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.webhooks.DeleteWebhook(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.webhooks.GetWebhook(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	items, err := s.webhooks.ListDeliveries(r.Context(), id, parseLimit(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleRedeliver(w http.ResponseWriter, r *http.Request) {
	del, err := s.dispatcher.Redeliver(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, del)
}
