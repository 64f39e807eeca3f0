package controlplane

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/enforcer/internal/escrow"
)

type killRequest struct {
	Reason      string `json:"reason"`
	TriggeredBy string `json:"triggered_by"`
	TTL         string `json:"ttl"`
}

func decodeKill(r *http.Request) (killRequest, time.Duration, error) {
	var req killRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, 0, errors.New("invalid request body")
	}
	if req.TTL == "" {
		return req, 0, nil
	}
	ttl, err := time.ParseDuration(req.TTL)
	if err != nil || ttl < 0 {
		return req, 0, errors.New("invalid ttl")
	}
	return req, ttl, nil
}

func (s *Server) killSwitch(w http.ResponseWriter) bool {
	if s.deps.Kill == nil {
		writeError(w, http.StatusNotImplemented, "kill switch is not enabled")
		return false
	}
	return true
}

func (s *Server) handleListKills(w http.ResponseWriter, r *http.Request) {
	if !s.killSwitch(w) {
		return
	}
	out := s.deps.Kill.ListActive()
	if out == nil {
		out = []escrow.KillRecord{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleKillAgent(w http.ResponseWriter, r *http.Request) {
	if !s.killSwitch(w) {
		return
	}
	req, ttl, err := decodeKill(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.deps.Kill.KillAgent(mux.Vars(r)["agent"], req.Reason, req.TriggeredBy, ttl)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleKillTenant(w http.ResponseWriter, r *http.Request) {
	if !s.killSwitch(w) {
		return
	}
	tenant, err := strconv.ParseUint(mux.Vars(r)["tenant"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tenant")
		return
	}
	req, ttl, err := decodeKill(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.deps.Kill.KillTenant(uint32(tenant), req.Reason, req.TriggeredBy, ttl)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReviveAgent(w http.ResponseWriter, r *http.Request) {
	if !s.killSwitch(w) {
		return
	}
	if !s.deps.Kill.ReviveAgent(mux.Vars(r)["agent"]) {
		writeError(w, http.StatusNotFound, "no active kill for agent")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReviveTenant(w http.ResponseWriter, r *http.Request) {
	if !s.killSwitch(w) {
		return
	}
	tenant, err := strconv.ParseUint(mux.Vars(r)["tenant"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tenant")
		return
	}
	if !s.deps.Kill.ReviveTenant(uint32(tenant)) {
		writeError(w, http.StatusNotFound, "no active kill for tenant")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
