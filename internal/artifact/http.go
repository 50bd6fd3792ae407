package artifact

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"attager/pkg/canonical"
	"attager/pkg/problems"
)

// RegisterHTTP mounts the signing endpoints.
// POST /sign    body: { card? | card_hash?, agent_id?, version_id?, etag?, policy_version?, ttl_sec? }
// POST /verify  body: { signature | envelope, card?, card_hash? }
func RegisterHTTP(r chi.Router, s *Signer, v *Verifier, log *zap.SugaredLogger) {
	r.Post("/sign", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Card          json.RawMessage `json:"card"`
			CardHash      string          `json:"card_hash"`
			AgentID       string          `json:"agent_id"`
			VersionID     int             `json:"version_id"`
			ETag          string          `json:"etag"`
			PolicyVersion string          `json:"policy_version"`
			TTLSec        int             `json:"ttl_sec"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			problems.Write(w, http.StatusBadRequest, "malformed-input", "Malformed JSON body", "")
			return
		}
		sr := SignRequest{
			CardHash:      body.CardHash,
			AgentID:       body.AgentID,
			VersionID:     body.VersionID,
			ETag:          body.ETag,
			PolicyVersion: body.PolicyVersion,
			TTL:           time.Duration(body.TTLSec) * time.Second,
		}
		if len(body.Card) > 0 && string(body.Card) != "null" {
			sr.Card = body.Card
		}
		env, err := s.Sign(sr)
		switch {
		case errors.Is(err, ErrNoCard), errors.Is(err, canonical.ErrEncoding):
			problems.Write(w, http.StatusBadRequest, "malformed-input", "Cannot sign request", err.Error())
			return
		case err != nil:
			log.Errorw("sign failed", "err", err)
			problems.Write(w, http.StatusInternalServerError, "internal", "Signing failed", "")
			return
		}
		problems.JSON(w, http.StatusOK, env)
	})

	r.Post("/verify", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Signature string          `json:"signature"`
			Envelope  *Envelope       `json:"envelope"`
			Card      json.RawMessage `json:"card"`
			CardHash  string          `json:"card_hash"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			problems.Write(w, http.StatusBadRequest, "malformed-input", "Malformed JSON body", "")
			return
		}
		env := Envelope{Signature: body.Signature}
		if body.Envelope != nil && env.Signature == "" {
			env = *body.Envelope
		}
		var card any
		if len(body.Card) > 0 && string(body.Card) != "null" {
			card = body.Card
		}
		res, err := v.Verify(env, card, body.CardHash)
		if err != nil {
			status, slug := verifyFailure(err)
			problems.Write(w, status, slug, err.Error(), "")
			return
		}
		problems.JSON(w, http.StatusOK, map[string]any{
			"valid":         true,
			"payload":       res.Payload,
			"hash_verified": res.HashVerified,
		})
	})
}

func verifyFailure(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid-signature"
	case errors.Is(err, ErrExpired):
		return http.StatusUnauthorized, "envelope-expired"
	case errors.Is(err, ErrHashMismatch):
		return http.StatusConflict, "hash-mismatch"
	default:
		return http.StatusBadRequest, "malformed-envelope"
	}
}
