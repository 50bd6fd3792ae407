package policy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"attager/pkg/problems"
)

// RegisterHTTP mounts the read and evaluation endpoints.
// GET  /api/iam/policy/{agentId}                   -> resolved snapshot
// POST /v1/agents/{agentId}/evaluate/prompt        body: { prompt, context? }
// POST /v1/agents/{agentId}/evaluate/tool          body: { tool_name, arguments, context? }
// POST /v1/agents/{agentId}/evaluate/response      body: { text, context? }
//
// Evaluation always answers 200 with a Decision; a VIOLATION caused by an
// unreachable collaborator also sets X-Policy-Unavailable.
func RegisterHTTP(r chi.Router, c *Cache, ev *Evaluator) {
	r.Get("/api/iam/policy/{agentId}", func(w http.ResponseWriter, req *http.Request) {
		agentID := chi.URLParam(req, "agentId")
		snap, err := c.Get(req.Context(), agentID)
		switch {
		case errors.Is(err, ErrStoreUnavailable):
			problems.Write(w, http.StatusServiceUnavailable, "policy-unavailable", "Policy store unavailable", "")
			return
		case err != nil:
			problems.Write(w, http.StatusInternalServerError, "internal", "Policy lookup failed", "")
			return
		case snap == nil:
			problems.Write(w, http.StatusNotFound, "policy-not-found", "No policy for agent", agentID)
			return
		}
		problems.JSON(w, http.StatusOK, snap)
	})

	r.Post("/v1/agents/{agentId}/evaluate/{kind}", func(w http.ResponseWriter, req *http.Request) {
		agentID := chi.URLParam(req, "agentId")
		var body struct {
			Prompt    string         `json:"prompt"`
			ToolName  string         `json:"tool_name"`
			Arguments map[string]any `json:"arguments"`
			Text      string         `json:"text"`
			Context   CallContext    `json:"context"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			problems.Write(w, http.StatusBadRequest, "malformed-input", "Malformed JSON body", "")
			return
		}
		ctx := WithCallContext(req.Context(), body.Context)

		var d Decision
		switch PolicyType(chi.URLParam(req, "kind")) {
		case PromptPolicy:
			d = ev.EvaluatePrompt(ctx, agentID, body.Prompt)
		case ToolPolicy:
			if strings.TrimSpace(body.ToolName) == "" {
				problems.Write(w, http.StatusBadRequest, "malformed-input", "tool_name is required", "")
				return
			}
			d = ev.EvaluateTool(ctx, agentID, body.ToolName, body.Arguments)
		case ResponsePolicy:
			d = ev.EvaluateResponse(ctx, agentID, body.Text)
		default:
			problems.Write(w, http.StatusNotFound, "unknown-policy-type", "Unknown policy type", "expected prompt, tool or response")
			return
		}
		if d.Unavailable() {
			w.Header().Set("X-Policy-Unavailable", "true")
		}
		problems.JSON(w, http.StatusOK, d)
	})
}

// RegisterAdmin mounts cache control; callers put it behind authentication.
// POST /v1/policies/invalidate  body: { agent_id? }  (empty clears everything)
func RegisterAdmin(r chi.Router, c *Cache) {
	r.Post("/v1/policies/invalidate", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			AgentID string `json:"agent_id"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			problems.Write(w, http.StatusBadRequest, "malformed-input", "Malformed JSON body", "")
			return
		}
		c.Invalidate(body.AgentID)
		scope := body.AgentID
		if scope == "" {
			scope = "all"
		}
		problems.JSON(w, http.StatusOK, map[string]any{"invalidated": scope})
	})
}
