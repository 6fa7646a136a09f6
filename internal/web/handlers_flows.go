package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"nanogrid-air/internal/pairing"
)

type submitFlowRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleAPIListFlows(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"flows": s.flows.InProgress()})
}

func (s *Server) handleAPIStartFlow(w http.ResponseWriter, r *http.Request) {
	res := s.flows.Start(r.Context())
	s.logger.Info("pairing flow started", "flow_id", res.FlowID, "type", res.Type)
	s.writeJSON(w, flowStatus(res), res)
}

func (s *Server) handleAPIGetFlow(w http.ResponseWriter, r *http.Request) {
	res, err := s.flows.Get(r.PathValue("flow_id"))
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAPISubmitFlow(w http.ResponseWriter, r *http.Request) {
	var req submitFlowRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	// An empty body submits an empty URL, which means the default host.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	res, err := s.flows.Submit(r.Context(), r.PathValue("flow_id"), req.URL)
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	s.writeJSON(w, flowStatus(res), res)
}

func (s *Server) handleAPIAbortFlow(w http.ResponseWriter, r *http.Request) {
	if err := s.flows.Abort(r.PathValue("flow_id")); err != nil {
		s.writeFlowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pairing.ErrUnknownFlow):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "flow not found"})
	case errors.Is(err, pairing.ErrInvalidState):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("pairing flow", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

// flowStatus maps a flow result to a response code. Forms and aborts are
// ordinary outcomes of a flow, not request failures.
func flowStatus(res pairing.Result) int {
	if res.Type == pairing.TypeCreateEntry {
		return http.StatusCreated
	}
	return http.StatusOK
}
