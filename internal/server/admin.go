package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/waddleai/waddlegate/internal"
	"github.com/waddleai/waddlegate/internal/app"
	"github.com/waddleai/waddlegate/internal/auth"
	"github.com/waddleai/waddlegate/internal/authz"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// writeAdminError maps err to the spec §7 taxonomy and writes it, same as
// the client-facing pipeline -- unrecognized errors (e.g. SQLite failures)
// fall through writeAPIError's InternalError branch and never leak detail.
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	writeAPIError(w, r.Context(), err)
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// resolveTenantID returns the tenant_id query param, defaulting to the
// caller's own tenant. Writes 403 and returns ok=false if the identity may
// not act on the requested tenant.
func resolveTenantID(w http.ResponseWriter, r *http.Request) (string, bool) {
	identity := gateway.IdentityFromContext(r.Context())
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		tenantID = identity.TenantID
	}
	if !identity.ManagesTenant(tenantID) {
		writeJSON(w, http.StatusForbidden, errorResponse("cannot access resources outside your managed tenants"))
		return "", false
	}
	return tenantID, true
}

// parseSinceUntil validates optional since/until RFC3339 query params.
func parseSinceUntil(w http.ResponseWriter, r *http.Request) (since, until time.Time, ok bool) {
	q := r.URL.Query()
	until = time.Now()
	since = until.Add(-24 * time.Hour)
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid since format, use RFC3339"))
			return time.Time{}, time.Time{}, false
		}
		since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid until format, use RFC3339"))
			return time.Time{}, time.Time{}, false
		}
		until = t
	}
	return since, until, true
}

// parseExpiresAt parses an optional RFC3339 expires_at string pointer.
func parseExpiresAt(w http.ResponseWriter, raw *string) (*time.Time, bool) {
	if raw == nil {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid expires_at format"))
		return nil, false
	}
	return &t, true
}

// --- Login ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	token, err := s.deps.PasswordLogin.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeAPIError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// --- Tenants ---

func (s *server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	offset, limit := parsePagination(r)
	var tenants []*gateway.Tenant
	var err error
	if identity.Role == gateway.RoleAdmin {
		tenants, err = s.deps.Store.ListTenants(r.Context(), offset, limit)
	} else {
		tenants = make([]*gateway.Tenant, 0, len(identity.ManagedTenants)+1)
		for _, id := range append([]string{identity.TenantID}, identity.ManagedTenants...) {
			t, terr := s.deps.Store.GetTenant(r.Context(), id)
			if terr == nil {
				tenants = append(tenants, t)
			}
		}
	}
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if tenants == nil {
		tenants = []*gateway.Tenant{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: tenants, Pagination: pagination{Offset: offset, Limit: limit}})
}

func (s *server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var t gateway.Tenant
	if !decodeJSON(w, r, &t) {
		return
	}
	if t.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	if t.ID == "" {
		t.ID = uuid.Must(uuid.NewV7()).String()
	}
	t.Enabled = true
	t.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateTenant(r.Context(), &t); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/v1/tenants/"+t.ID)
	writeJSON(w, http.StatusCreated, t)
}

func (s *server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	identity := gateway.IdentityFromContext(r.Context())
	if err := authz.Authorize(identity, gateway.PermManageTenants, id, ""); err != nil {
		writeAdminError(w, r, err)
		return
	}
	t, err := s.deps.Store.GetTenant(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *server) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	identity := gateway.IdentityFromContext(r.Context())
	if err := authz.Authorize(identity, gateway.PermManageTenants, id, ""); err != nil {
		writeAdminError(w, r, err)
		return
	}
	existing, err := s.deps.Store.GetTenant(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	var update struct {
		Name         *string `json:"name,omitempty"`
		DailyQuota   *int64  `json:"daily_quota,omitempty"`
		MonthlyQuota *int64  `json:"monthly_quota,omitempty"`
		Enabled      *bool   `json:"enabled,omitempty"`
	}
	if !decodeJSON(w, r, &update) {
		return
	}
	if update.Name != nil {
		existing.Name = *update.Name
	}
	if update.DailyQuota != nil {
		existing.DailyQuota = update.DailyQuota
	}
	if update.MonthlyQuota != nil {
		existing.MonthlyQuota = update.MonthlyQuota
	}
	if update.Enabled != nil {
		existing.Enabled = *update.Enabled
	}
	if err := s.deps.Store.UpdateTenant(r.Context(), existing); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	identity := gateway.IdentityFromContext(r.Context())
	if err := authz.Authorize(identity, gateway.PermManageTenants, id, ""); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if err := s.deps.Store.DeleteTenant(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Principals ---

func (s *server) handleListPrincipals(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := resolveTenantID(w, r)
	if !ok {
		return
	}
	offset, limit := parsePagination(r)
	principals, err := s.deps.Store.ListPrincipals(r.Context(), tenantID, offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if principals == nil {
		principals = []*gateway.Principal{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: principals, Pagination: pagination{Offset: offset, Limit: limit}})
}

type principalCreateRequest struct {
	TenantID       string   `json:"tenant_id"`
	Username       string   `json:"username"`
	Password       string   `json:"password,omitempty"`
	Role           string   `json:"role"`
	ManagedTenants []string `json:"managed_tenants,omitempty"`
}

func (s *server) handleCreatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req principalCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity := gateway.IdentityFromContext(r.Context())
	if req.TenantID == "" {
		req.TenantID = identity.TenantID
	}
	if err := authz.Authorize(identity, gateway.PermManageTenants, req.TenantID, ""); err != nil {
		writeAdminError(w, r, err)
		return
	}
	role := gateway.Role(req.Role)
	if _, ok := gateway.RolePermissions[role]; !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid role"))
		return
	}

	p := &gateway.Principal{
		ID:             uuid.Must(uuid.NewV7()).String(),
		TenantID:       req.TenantID,
		Username:       req.Username,
		Role:           role,
		ManagedTenants: req.ManagedTenants,
		Enabled:        true,
		CreatedAt:      time.Now().UTC(),
	}
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			writeAdminError(w, r, err)
			return
		}
		p.PasswordHash = hash
	}
	if err := s.deps.Store.CreatePrincipal(r.Context(), p); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/v1/principals/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) handleGetPrincipal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.deps.Store.GetPrincipal(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	identity := gateway.IdentityFromContext(r.Context())
	if err := authz.Authorize(identity, gateway.PermManageTenants, p.TenantID, p.ID); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleUpdatePrincipal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.deps.Store.GetPrincipal(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	identity := gateway.IdentityFromContext(r.Context())
	if err := authz.Authorize(identity, gateway.PermManageTenants, existing.TenantID, existing.ID); err != nil {
		writeAdminError(w, r, err)
		return
	}

	var update struct {
		Role           *string  `json:"role,omitempty"`
		ManagedTenants []string `json:"managed_tenants,omitempty"`
		Enabled        *bool    `json:"enabled,omitempty"`
		Password       *string  `json:"password,omitempty"`
	}
	if !decodeJSON(w, r, &update) {
		return
	}
	if update.Role != nil {
		role := gateway.Role(*update.Role)
		if _, ok := gateway.RolePermissions[role]; !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid role"))
			return
		}
		existing.Role = role
	}
	if update.ManagedTenants != nil {
		existing.ManagedTenants = update.ManagedTenants
	}
	if update.Enabled != nil {
		existing.Enabled = *update.Enabled
	}
	if update.Password != nil {
		hash, herr := auth.HashPassword(*update.Password)
		if herr != nil {
			writeAdminError(w, r, herr)
			return
		}
		existing.PasswordHash = hash
	}

	if err := s.deps.Store.UpdatePrincipal(r.Context(), existing); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *server) handleDeletePrincipal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.deps.Store.GetPrincipal(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	identity := gateway.IdentityFromContext(r.Context())
	if err := authz.Authorize(identity, gateway.PermManageTenants, existing.TenantID, existing.ID); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if err := s.deps.Store.DeletePrincipal(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Credentials ---

func (s *server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	principalID := r.URL.Query().Get("principal_id")
	if principalID == "" {
		principalID = identity.PrincipalID
	}
	offset, limit := parsePagination(r)
	creds, err := s.deps.Store.ListCredentials(r.Context(), principalID, offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if creds == nil {
		creds = []*gateway.Credential{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: creds, Pagination: pagination{Offset: offset, Limit: limit}})
}

type credentialCreateRequest struct {
	PrincipalID   string   `json:"principal_id"`
	TenantID      string   `json:"tenant_id"`
	Name          string   `json:"name,omitempty"`
	DailyQuota    *int64   `json:"daily_quota,omitempty"`
	MonthlyQuota  *int64   `json:"monthly_quota,omitempty"`
	RPMLimit      *int64   `json:"rpm_limit,omitempty"`
	TPMLimit      *int64   `json:"tpm_limit,omitempty"`
	AllowedModels []string `json:"allowed_models,omitempty"`
	ExpiresAt     *string  `json:"expires_at,omitempty"`
}

// credentialCreateResponse includes the plaintext credential (shown once).
type credentialCreateResponse struct {
	*gateway.Credential
	PlaintextKey string `json:"key"`
}

func (s *server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity := gateway.IdentityFromContext(r.Context())
	if req.TenantID == "" {
		req.TenantID = identity.TenantID
	}
	if err := authz.Authorize(identity, gateway.PermManageCreds, req.TenantID, req.PrincipalID); err != nil {
		writeAdminError(w, r, err)
		return
	}
	expiresAt, ok := parseExpiresAt(w, req.ExpiresAt)
	if !ok {
		return
	}

	plaintext, cred, err := s.deps.CredentialIssuer.Issue(r.Context(), app.IssueOpts{
		PrincipalID:   req.PrincipalID,
		TenantID:      req.TenantID,
		Name:          req.Name,
		DailyQuota:    req.DailyQuota,
		MonthlyQuota:  req.MonthlyQuota,
		RPMLimit:      req.RPMLimit,
		TPMLimit:      req.TPMLimit,
		AllowedModels: req.AllowedModels,
		ExpiresAt:     expiresAt,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	w.Header().Set("Location", "/admin/v1/credentials/"+cred.ID)
	writeJSON(w, http.StatusCreated, credentialCreateResponse{Credential: cred, PlaintextKey: plaintext})
}

func (s *server) handleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.CredentialIssuer.Revoke(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.CredentialAuth != nil {
		s.deps.CredentialAuth.InvalidateByCredentialID(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.CredentialIssuer.Delete(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.CredentialAuth != nil {
		s.deps.CredentialAuth.InvalidateByCredentialID(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Provider links ---

func (s *server) handleListProviderLinks(w http.ResponseWriter, r *http.Request) {
	links, err := s.deps.Store.ListProviderLinks(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if links == nil {
		links = []*gateway.ProviderLink{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: links, Pagination: pagination{Offset: 0, Limit: len(links)}})
}

func (s *server) handleCreateProviderLink(w http.ResponseWriter, r *http.Request) {
	var link gateway.ProviderLink
	if !decodeJSON(w, r, &link) {
		return
	}
	if link.Name == "" || link.BaseURL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name and base_url are required"))
		return
	}
	if link.ID == "" {
		link.ID = uuid.Must(uuid.NewV7()).String()
	}
	link.Enabled = true
	if err := s.deps.Store.CreateProviderLink(r.Context(), &link); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/v1/providers/"+link.ID)
	writeJSON(w, http.StatusCreated, link)
}

func (s *server) handleGetProviderLink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	link, err := s.deps.Store.GetProviderLink(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *server) handleUpdateProviderLink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var link gateway.ProviderLink
	if !decodeJSON(w, r, &link) {
		return
	}
	link.ID = id
	if err := s.deps.Store.UpdateProviderLink(r.Context(), &link); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *server) handleDeleteProviderLink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteProviderLink(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Routes ---

func (s *server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.deps.Store.ListRoutes(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if routes == nil {
		routes = []*gateway.Route{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: routes, Pagination: pagination{Offset: 0, Limit: len(routes)}})
}

func (s *server) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	var route gateway.Route
	if !decodeJSON(w, r, &route) {
		return
	}
	if route.ModelAlias == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("model_alias is required"))
		return
	}
	if route.ID == "" {
		route.ID = uuid.Must(uuid.NewV7()).String()
	}
	if route.Strategy == "" {
		route.Strategy = "load_balanced"
	}
	if err := s.deps.Store.CreateRoute(r.Context(), &route); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/v1/routes/"+route.ID)
	writeJSON(w, http.StatusCreated, route)
}

func (s *server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	routes, err := s.deps.Store.ListRoutes(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	for _, route := range routes {
		if route.ID == id {
			writeJSON(w, http.StatusOK, route)
			return
		}
	}
	writeAdminError(w, r, gateway.ErrNotFound)
}

func (s *server) handleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var route gateway.Route
	if !decodeJSON(w, r, &route) {
		return
	}
	route.ID = id
	if err := s.deps.Store.UpdateRoute(r.Context(), &route); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteRoute(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Conversion rates ---

func (s *server) handleListRates(w http.ResponseWriter, r *http.Request) {
	rates, err := s.deps.Store.ListRates(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if rates == nil {
		rates = []*gateway.ConversionRate{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: rates, Pagination: pagination{Offset: 0, Limit: len(rates)}})
}

func (s *server) handleCreateRate(w http.ResponseWriter, r *http.Request) {
	var rate gateway.ConversionRate
	if !decodeJSON(w, r, &rate) {
		return
	}
	if rate.Model == "" || rate.InputDivisor <= 0 || rate.OutputDivisor <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("model, input_divisor, and output_divisor are required"))
		return
	}
	if rate.ID == "" {
		rate.ID = uuid.Must(uuid.NewV7()).String()
	}
	rate.Enabled = true
	if rate.EffectiveAt.IsZero() {
		rate.EffectiveAt = time.Now().UTC()
	}
	if err := s.deps.Store.CreateRate(r.Context(), &rate); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/v1/rates/"+rate.ID)
	writeJSON(w, http.StatusCreated, rate)
}

func (s *server) handleUpdateRate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var rate gateway.ConversionRate
	if !decodeJSON(w, r, &rate) {
		return
	}
	rate.ID = id
	if err := s.deps.Store.UpdateRate(r.Context(), &rate); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

func (s *server) handleDeleteRate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteRate(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Cache ---

func (s *server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache != nil {
		s.deps.Cache.Purge(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Usage ---

func (s *server) handleQueryUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := resolveTenantID(w, r)
	if !ok {
		return
	}
	since, until, ok := parseSinceUntil(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	credentialID := q.Get("credential_id")
	model := q.Get("model")
	offset, limit := parsePagination(r)

	all, err := s.deps.Store.QueryUsage(r.Context(), since, until)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	filtered := make([]gateway.UsageRecord, 0, len(all))
	for _, rec := range all {
		if rec.TenantID != tenantID {
			continue
		}
		if credentialID != "" && rec.CredentialID != credentialID {
			continue
		}
		if model != "" && rec.Model != model {
			continue
		}
		filtered = append(filtered, rec)
	}
	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)
	page := filtered[offset:end]

	writeJSON(w, http.StatusOK, listResponse{Data: page, Pagination: pagination{Offset: offset, Limit: limit}})
}

// --- Security events ---

func (s *server) handleListSecurityEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := resolveTenantID(w, r)
	if !ok {
		return
	}
	offset, limit := parsePagination(r)
	events, err := s.deps.Store.ListSecurityEvents(r.Context(), tenantID, offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if events == nil {
		events = []*gateway.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: events, Pagination: pagination{Offset: offset, Limit: limit}})
}

func (s *server) handleSecurityStats(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := resolveTenantID(w, r)
	if !ok {
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		}
	}
	count, err := s.deps.Store.CountSecurityEvents(r.Context(), tenantID, "", "", since)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "since": since, "count": count})
}
