package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dhannusch/pincer/internal/pairing"
	"github.com/dhannusch/pincer/internal/proxy"
	"github.com/dhannusch/pincer/internal/registry"
)

type connectRequest struct {
	Code string `json:"code" validate:"required"`
}

type connectResponse struct {
	Ok         bool   `json:"ok"`
	WorkerURL  string `json:"workerUrl"`
	RuntimeKey string `json:"runtimeKey"`
	HMACSecret string `json:"hmacSecret"`
}

// handleConnect exchanges a one-time pairing code for worker credentials.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	creds, err := s.pairings.Consume(r.Context(), req.Code)
	if err != nil {
		if errors.Is(err, pairing.ErrInvalidOrExpired) {
			RespondError(w, http.StatusNotFound, "invalid_or_expired_code", "")
			return
		}
		if errors.Is(err, pairing.ErrCorruptRecord) {
			RespondError(w, http.StatusInternalServerError, "corrupt_pairing_record", "")
			return
		}
		s.logger.Error("consuming pairing code", "error", sanitize(err.Error()))
		RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	Respond(w, http.StatusOK, connectResponse{
		Ok:         true,
		WorkerURL:  creds.WorkerURL,
		RuntimeKey: creds.RuntimeKey,
		HMACSecret: creds.HMACSecret,
	})
}

type proposalsSubmitRequest struct {
	Manifest json.RawMessage `json:"manifest"`
}

type proposalsSubmitResponse struct {
	Ok       bool                     `json:"ok"`
	Proposal registry.ProposalSummary `json:"proposal"`
}

// handleProposalsSubmit validates and stores a new adapter manifest
// proposal.
func (s *Server) handleProposalsSubmit(w http.ResponseWriter, r *http.Request) {
	var req proposalsSubmitRequest
	if err := Decode(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	if len(req.Manifest) == 0 {
		RespondError(w, http.StatusBadRequest, "invalid_payload", "manifest is required")
		return
	}

	summary, err := s.registry.Submit(r.Context(), req.Manifest, keyIDFromContext(r.Context()))
	if err != nil {
		s.respondRegistryError(w, err)
		return
	}
	s.notifier.ProposalSubmitted(r.Context(), summary.AdapterID, summary.Revision, summary.ProposalID)

	Respond(w, http.StatusAccepted, proposalsSubmitResponse{Ok: true, Proposal: *summary})
}

type adaptersListResponse struct {
	Ok       bool                       `json:"ok"`
	Adapters []registry.AdapterSummary `json:"adapters"`
}

// handleAdaptersList lists the active, enabled adapters a runtime agent
// may call.
func (s *Server) handleAdaptersList(w http.ResponseWriter, r *http.Request) {
	adapters, err := s.registry.ListActive(r.Context(), true)
	if err != nil {
		s.logger.Error("listing active adapters", "error", sanitize(err.Error()))
		RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	Respond(w, http.StatusOK, adaptersListResponse{Ok: true, Adapters: adapters})
}

type adapterCallResponse struct {
	Ok      bool   `json:"ok"`
	Adapter string `json:"adapter"`
	Action  string `json:"action"`
	Data    any    `json:"data"`
}

// handleAdapterCall runs a single egress proxy call.
func (s *Server) handleAdapterCall(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRuntimeBodyBytes))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid_payload", "reading request body")
		return
	}

	resp, err := s.proxy.Call(r.Context(), proxy.Request{
		KeyID:   keyIDFromContext(r.Context()),
		Adapter: chi.URLParam(r, "adapter"),
		Action:  chi.URLParam(r, "action"),
		RawBody: body,
	})
	if err != nil {
		s.respondProxyError(w, err)
		return
	}

	Respond(w, http.StatusOK, adapterCallResponse{Ok: true, Adapter: resp.Adapter, Action: resp.Action, Data: resp.Data})
}

func (s *Server) respondProxyError(w http.ResponseWriter, err error) {
	var pxErr *proxy.Error
	if errors.As(err, &pxErr) {
		if pxErr.Kind == proxy.KindUpstreamError {
			RespondUpstreamError(w, pxErr.Status, pxErr.UpstreamStatus)
			return
		}
		RespondError(w, pxErr.Status, string(pxErr.Kind), "")
		return
	}
	s.logger.Error("egress proxy call failed", "error", sanitize(err.Error()))
	RespondError(w, http.StatusInternalServerError, "internal_error", "")
}

func (s *Server) respondRegistryError(w http.ResponseWriter, err error) {
	var rerr *registry.Error
	if errors.As(err, &rerr) {
		if rerr.Kind == registry.KindMissingRequiredSecrets {
			RespondMissingRequiredSecrets(w, rerr.Details)
			return
		}
		if len(rerr.Details) > 0 {
			RespondErrorDetails(w, rerr.Status, rerr.Kind, rerr.Details)
			return
		}
		RespondError(w, rerr.Status, rerr.Kind, "")
		return
	}
	s.logger.Error("registry operation failed", "error", sanitize(err.Error()))
	RespondError(w, http.StatusInternalServerError, "internal_error", "")
}
