package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"nanogrid-air/internal/meter"
	"nanogrid-air/internal/store"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.gw.Devices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dev, err := s.gw.Device(id)
	if err != nil {
		s.writeStoreError(w, "get device", id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

type readingResponse struct {
	UniqueID string         `json:"unique_id"`
	Reading  *meter.Reading `json:"reading"`
}

func (s *Server) handleAPIGetReading(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reading, ok, err := s.gw.Reading(id)
	if err != nil {
		s.writeStoreError(w, "get reading", id, err)
		return
	}
	resp := readingResponse{UniqueID: id}
	if ok {
		resp.Reading = &reading
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type updateDeviceRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleAPIUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req updateDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}

	dev, err := s.gw.UpdateURL(id, req.URL)
	if err != nil {
		s.writeStoreError(w, "update device", id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.gw.Remove(id); err != nil {
		s.writeStoreError(w, "delete device", id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeStoreError(w http.ResponseWriter, op, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.logger.Error(op, "err", err, "unique_id", id)
	s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
