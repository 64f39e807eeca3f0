package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/enforcer/internal/catalog"
	"github.com/ocx/enforcer/internal/escrow"
	"github.com/ocx/enforcer/internal/events"
	"github.com/ocx/enforcer/internal/policy"
	"github.com/ocx/enforcer/internal/statestore"
)

// Escrow is the resolver surface the API exposes.
type Escrow interface {
	Pending(ctx context.Context) ([]escrow.Pending, error)
	Decide(ctx context.Context, id string, approve bool) (escrow.Pending, error)
}

// AuditLog answers audit history queries.
type AuditLog interface {
	Recent(ctx context.Context, subject string, limit int) ([]events.ArchivedEvent, error)
}

// CredentialResolver turns a SPIFFE ID into the credential hash.
type CredentialResolver interface {
	Hash(spiffeID string) (uint64, error)
}

// Deps are the collaborators of the API. Escrow, Kill, Audit, Credentials
// and Live are optional.
type Deps struct {
	Verdicts    *VerdictUpdater
	Catalog     *CatalogSync
	Escrow      Escrow
	JIT         *escrow.JITEntitlements
	Kill        *escrow.KillSwitch
	Audit       AuditLog
	Credentials CredentialResolver
	Gatherer    prometheus.Gatherer
	Policy      policy.Policy
	// Live is mounted at /socket.io/ for dashboard clients.
	Live http.Handler
}

// Server is the control-plane HTTP API.
type Server struct {
	deps Deps
}

func NewServer(deps Deps) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{deps: deps}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods("GET")

	r.HandleFunc("/v1/processes/{pid:[0-9]+}", s.handleInspect).Methods("GET")
	p := r.PathPrefix("/v1/processes/{pid:[0-9]+}").Subrouter()
	p.HandleFunc("/verdict", s.handleSetVerdict).Methods("PUT")
	p.HandleFunc("/verdict", s.handleClearVerdict).Methods("DELETE")
	p.HandleFunc("/trust", s.handleSetTrust).Methods("PUT")
	p.HandleFunc("/entitlements", s.handleEntitlements).Methods("POST")
	p.HandleFunc("/identity", s.handleBindIdentity).Methods("PUT")

	r.HandleFunc("/v1/grants/{id}", s.handleRevokeGrant).Methods("DELETE")

	r.HandleFunc("/v1/tools", s.handleListTools).Methods("GET")
	r.HandleFunc("/v1/tools/{id}", s.handlePutTool).Methods("PUT")
	r.HandleFunc("/v1/tools/{id}", s.handleDeleteTool).Methods("DELETE")
	r.HandleFunc("/v1/tools/{id}/versions", s.handleToolVersions).Methods("GET")
	r.HandleFunc("/v1/tools/{id}/rollback", s.handleRollbackTool).Methods("POST")

	r.HandleFunc("/v1/escrow", s.handleListEscrow).Methods("GET")
	r.HandleFunc("/v1/escrow/{id}/approve", s.handleDecide(true)).Methods("POST")
	r.HandleFunc("/v1/escrow/{id}/reject", s.handleDecide(false)).Methods("POST")

	r.HandleFunc("/v1/kill", s.handleListKills).Methods("GET")
	r.HandleFunc("/v1/kill/agents/{agent}", s.handleKillAgent).Methods("POST")
	r.HandleFunc("/v1/kill/agents/{agent}", s.handleReviveAgent).Methods("DELETE")
	r.HandleFunc("/v1/kill/tenants/{tenant:[0-9]+}", s.handleKillTenant).Methods("POST")
	r.HandleFunc("/v1/kill/tenants/{tenant:[0-9]+}", s.handleReviveTenant).Methods("DELETE")

	r.HandleFunc("/v1/audit", s.handleAudit).Methods("GET")

	if s.deps.Live != nil {
		r.PathPrefix("/socket.io/").Handler(s.deps.Live)
	}
	return r
}

// Serve runs the API on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("Control API listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("JSON encode error", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pidVar(r *http.Request) (uint32, error) {
	v, err := strconv.ParseUint(mux.Vars(r)["pid"], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid pid: %w", err)
	}
	return uint32(v), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type identityView struct {
	AgentID        string `json:"agent_id"`
	TenantID       uint32 `json:"tenant_id"`
	BinaryHash     string `json:"binary_hash"`
	CredentialHash string `json:"credential_hash,omitempty"`
	ParentPID      uint32 `json:"parent_pid"`
	RegisteredAt   uint64 `json:"registered_at"`
}

func viewIdentity(rec statestore.IdentityRecord) *identityView {
	v := &identityView{
		AgentID:      rec.Agent(),
		TenantID:     rec.TenantID,
		BinaryHash:   fmt.Sprintf("%016x", rec.BinaryHash),
		ParentPID:    rec.ParentPID,
		RegisteredAt: rec.RegisteredAt,
	}
	if rec.CredentialHash != 0 {
		v.CredentialHash = fmt.Sprintf("%016x", rec.CredentialHash)
	}
	return v
}

func (s *Server) entitlementNames(mask uint64) []string {
	names := s.deps.Catalog.Catalog().Entitlements().Names(mask)
	if names == nil {
		names = []string{}
	}
	return names
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	pid, err := pidVar(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap := s.deps.Verdicts.Inspect(pid, s.deps.Policy.DefaultTrust)

	resp := map[string]interface{}{
		"pid":           snap.PID,
		"verdict":       snap.Verdict,
		"trust":         snap.Trust,
		"trust_default": snap.TrustDefault,
		"entitlements":  s.entitlementNames(snap.Entitlements),
	}
	if snap.Identity != nil {
		resp["identity"] = viewIdentity(*snap.Identity)
	}
	grants := s.deps.JIT.Active(pid)
	if grants == nil {
		grants = []escrow.Grant{}
	}
	resp["grants"] = grants
	writeJSON(w, http.StatusOK, resp)
}

func parseVerdict(v string) (statestore.Verdict, error) {
	switch strings.ToUpper(v) {
	case "ALLOW":
		return statestore.VerdictAllow, nil
	case "BLOCK":
		return statestore.VerdictBlock, nil
	case "HOLD":
		return statestore.VerdictHold, nil
	default:
		return 0, fmt.Errorf("verdict must be allow, block or hold, got %q", v)
	}
}

func (s *Server) handleSetVerdict(w http.ResponseWriter, r *http.Request) {
	pid, err := pidVar(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		Verdict string `json:"verdict"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	v, err := parseVerdict(req.Verdict)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Verdicts.SetVerdict(pid, v); err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	slog.Info("Verdict set", "pid", pid, "verdict", v.String())
	writeJSON(w, http.StatusOK, map[string]interface{}{"pid": pid, "verdict": v.String()})
}

func (s *Server) handleClearVerdict(w http.ResponseWriter, r *http.Request) {
	pid, err := pidVar(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Verdicts.ClearVerdict(pid); err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetTrust(w http.ResponseWriter, r *http.Request) {
	pid, err := pidVar(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		Trust *uint32 `json:"trust"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Trust == nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.deps.Verdicts.SetTrust(pid, *req.Trust); err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pid": pid, "trust": *req.Trust})
}

func (s *Server) handleEntitlements(w http.ResponseWriter, r *http.Request) {
	pid, err := pidVar(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		Grant     []string `json:"grant"`
		Revoke    []string `json:"revoke"`
		TTL       string   `json:"ttl"`
		GrantedBy string   `json:"granted_by"`
		Reason    string   `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ents := s.deps.Catalog.Catalog().Entitlements()
	grant, err := ents.Mask(req.Grant)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	revoke, err := ents.Mask(req.Revoke)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := map[string]interface{}{"pid": pid}
	if grant != 0 {
		if req.TTL != "" {
			ttl, err := time.ParseDuration(req.TTL)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid ttl")
				return
			}
			g, err := s.deps.JIT.Grant(pid, grant, ttl, req.GrantedBy, req.Reason)
			if err != nil {
				writeError(w, storeStatus(err), err.Error())
				return
			}
			resp["grant"] = g
		} else if _, err := s.deps.JIT.GrantPermanent(pid, grant); err != nil {
			writeError(w, storeStatus(err), err.Error())
			return
		}
	}
	if revoke != 0 {
		if _, err := s.deps.JIT.RevokeMask(pid, revoke); err != nil {
			writeError(w, storeStatus(err), err.Error())
			return
		}
	}
	resp["entitlements"] = s.entitlementNames(s.deps.Verdicts.Inspect(pid, 0).Entitlements)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.deps.JIT.Revoke(id) {
		writeError(w, http.StatusNotFound, "no such grant")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBindIdentity(w http.ResponseWriter, r *http.Request) {
	pid, err := pidVar(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		TenantID uint32 `json:"tenant_id"`
		AgentID  string `json:"agent_id"`
		SPIFFEID string `json:"spiffe_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	b := Binding{TenantID: req.TenantID, AgentID: req.AgentID}
	if req.SPIFFEID != "" {
		if s.deps.Credentials == nil {
			writeError(w, http.StatusNotImplemented, "SPIFFE verification is not configured")
			return
		}
		h, err := s.deps.Credentials.Hash(req.SPIFFEID)
		if err != nil {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		b.CredentialHash = h
	}
	rec, err := s.deps.Verdicts.BindIdentity(pid, b)
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	if s.deps.Kill != nil && s.deps.Kill.Enforce(pid) {
		slog.Warn("Bound identity is under a kill switch", "pid", pid, "tenant", rec.TenantID, "agent", rec.Agent())
	}
	writeJSON(w, http.StatusOK, viewIdentity(rec))
}

type toolView struct {
	catalog.ToolSpec
	Hash string `json:"hash"`
	Mask string `json:"entitlement_mask"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	c := s.deps.Catalog.Catalog()
	specs := c.List()
	out := make([]toolView, 0, len(specs))
	for _, spec := range specs {
		meta, err := c.Compile(spec)
		if err != nil {
			continue
		}
		out = append(out, toolView{
			ToolSpec: spec,
			Hash:     fmt.Sprintf("%016x", meta.ToolHash),
			Mask:     fmt.Sprintf("%#x", meta.RequiredEntitlements),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePutTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		catalog.ToolSpec
		UpdatedBy string `json:"updated_by"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ID = mux.Vars(r)["id"]
	v, err := s.deps.Catalog.Put(req.ToolSpec, req.UpdatedBy, req.Reason)
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Catalog.Remove(mux.Vars(r)["id"]); err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToolVersions(w http.ResponseWriter, r *http.Request) {
	vs := s.deps.Catalog.Catalog().History.Versions(mux.Vars(r)["id"])
	if len(vs) == 0 {
		writeError(w, http.StatusNotFound, "unknown tool")
		return
	}
	writeJSON(w, http.StatusOK, vs)
}

func (s *Server) handleRollbackTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version int `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	v, err := s.deps.Catalog.Rollback(mux.Vars(r)["id"], req.Version)
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListEscrow(w http.ResponseWriter, r *http.Request) {
	if s.deps.Escrow == nil {
		writeJSON(w, http.StatusOK, []escrow.Pending{})
		return
	}
	items, err := s.deps.Escrow.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []escrow.Pending{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleDecide(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Escrow == nil {
			writeError(w, http.StatusNotFound, escrow.ErrUnknownEscrow.Error())
			return
		}
		p, err := s.deps.Escrow.Decide(r.Context(), mux.Vars(r)["id"], approve)
		if err != nil {
			writeError(w, storeStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":       p.ID,
			"pid":      p.Event.PID,
			"approved": approve,
		})
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeError(w, http.StatusNotImplemented, "audit archive is not enabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	evs, err := s.deps.Audit.Recent(r.Context(), r.URL.Query().Get("subject"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if evs == nil {
		evs = []events.ArchivedEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// storeStatus maps domain errors onto HTTP status codes.
func storeStatus(err error) int {
	switch {
	case errors.Is(err, escrow.ErrUnknownEscrow), errors.Is(err, catalog.ErrUnknownTool), errors.Is(err, ErrUnknownProcess):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrStaleEscrow):
		return http.StatusGone
	case errors.Is(err, escrow.ErrProcessBlocked):
		return http.StatusConflict
	case errors.Is(err, statestore.ErrMapFull):
		return http.StatusInsufficientStorage
	default:
		return http.StatusBadRequest
	}
}
