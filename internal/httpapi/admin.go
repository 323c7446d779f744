package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"pkt.systems/relayd/api"
	"pkt.systems/relayd/internal/storage"
)

// handleHealth godoc
// @Summary      Liveness and store reachability
// @Tags         ops
// @Produce      json
// @Success      200  {object}  api.HealthResponse
// @Failure      503  {object}  api.HealthResponse
// @Router       /healthz [get]
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		return methodNotAllowed("GET")
	}
	resp := api.HealthResponse{Status: "ok", Store: "ok"}
	status := http.StatusOK
	if _, err := h.backend.Get(r.Context(), "health/ping"); err != nil && !errors.Is(err, storage.ErrNotFound) {
		resp.Status = "degraded"
		resp.Store = err.Error()
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp, nil)
	return nil
}

// handleCongestion godoc
// @Summary      Current congestion estimate
// @Description  Runs the same estimator the transfer pipeline uses; intended for diagnostics and client fee previews.
// @Tags         ops
// @Produce      json
// @Success      200  {object}  api.CongestionResponse
// @Router       /v1/congestion [get]
func (h *Handler) handleCongestion(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		return methodNotAllowed("GET")
	}
	est := h.estimator.Estimate(r.Context())
	h.writeJSON(w, http.StatusOK, api.CongestionResponse{
		Tier:          string(est.Tier),
		PriorityFee:   est.PriorityFee,
		ComputeBudget: est.ComputeBudget,
		Degraded:      est.Degraded,
	}, nil)
	return nil
}

func (h *Handler) requireAdmin(r *http.Request) error {
	if h.adminToken == "" {
		return httpError{
			Status: http.StatusNotImplemented,
			Code:   "admin_disabled",
			Detail: "deny-list administration is disabled",
		}
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.adminToken)) != 1 {
		return httpError{
			Status: http.StatusUnauthorized,
			Code:   "unauthorized",
			Detail: "admin token required",
		}
	}
	return nil
}

func (h *Handler) handleDenyList(w http.ResponseWriter, r *http.Request) error {
	if err := h.requireAdmin(r); err != nil {
		return err
	}
	switch r.Method {
	case http.MethodGet:
		return h.handleDenyListGet(w, r)
	case http.MethodPost:
		return h.handleDenyListAdd(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		return methodNotAllowed("GET, POST")
	}
}

// handleDenyListGet godoc
// @Summary      List deny-list entries
// @Tags         denylist
// @Produce      json
// @Success      200  {object}  api.DenyListResponse
// @Security     AdminToken
// @Router       /v1/denylist [get]
func (h *Handler) handleDenyListGet(w http.ResponseWriter, r *http.Request) error {
	entries, err := h.deny.List(r.Context())
	if err != nil {
		return httpError{Status: http.StatusServiceUnavailable, Code: "store_unavailable", Detail: "deny list unavailable"}
	}
	resp := api.DenyListResponse{Entries: make([]api.DenyListEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, api.DenyListEntry{
			Address: e.Address,
			Reason:  e.Reason,
			AddedAt: e.AddedAt.Unix(),
		})
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

// handleDenyListAdd godoc
// @Summary      Add a deny-list entry
// @Description  Re-adding an address replaces its reason.
// @Tags         denylist
// @Accept       json
// @Produce      json
// @Success      201  {object}  api.DenyListEntry
// @Failure      400  {object}  api.Envelope
// @Security     AdminToken
// @Router       /v1/denylist [post]
func (h *Handler) handleDenyListAdd(w http.ResponseWriter, r *http.Request) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, denylistBodyLimit))
	if err != nil || len(raw) == 0 {
		return httpError{Status: http.StatusBadRequest, Code: "bad_body", Detail: "request body required"}
	}
	var req api.DenyListAddRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "bad_body", Detail: "invalid JSON body"}
	}
	req.Address = strings.TrimSpace(req.Address)
	if req.Address == "" {
		return httpError{Status: http.StatusBadRequest, Code: "bad_request", Detail: "address is required"}
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "manually blocked"
	}
	if err := h.deny.Add(r.Context(), req.Address, req.Reason); err != nil {
		return httpError{Status: http.StatusServiceUnavailable, Code: "store_unavailable", Detail: "deny list unavailable"}
	}
	h.requestLogger(r.Context()).Info("deny-list entry added", "address", req.Address, "reason", req.Reason)
	h.writeJSON(w, http.StatusCreated, api.DenyListEntry{Address: req.Address, Reason: req.Reason}, nil)
	return nil
}

// handleDenyListRemove godoc
// @Summary      Remove a deny-list entry
// @Description  Removing an unlisted address succeeds with no effect.
// @Tags         denylist
// @Produce      json
// @Success      204
// @Security     AdminToken
// @Router       /v1/denylist/{address} [delete]
func (h *Handler) handleDenyListRemove(w http.ResponseWriter, r *http.Request) error {
	if err := h.requireAdmin(r); err != nil {
		return err
	}
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", "DELETE")
		return methodNotAllowed("DELETE")
	}
	address := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/v1/denylist/"))
	if address == "" || strings.Contains(address, "/") {
		return httpError{Status: http.StatusBadRequest, Code: "bad_request", Detail: "address path segment required"}
	}
	if err := h.deny.Remove(r.Context(), address); err != nil {
		return httpError{Status: http.StatusServiceUnavailable, Code: "store_unavailable", Detail: "deny list unavailable"}
	}
	h.requestLogger(r.Context()).Info("deny-list entry removed", "address", address)
	w.WriteHeader(http.StatusNoContent)
	return nil
}
