package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/storeforge/internal/apperror"
	"github.com/wisbric/storeforge/internal/guardrail"
	"github.com/wisbric/storeforge/internal/orchestrator"
	"github.com/wisbric/storeforge/internal/statemachine"
	"github.com/wisbric/storeforge/internal/store"
	"github.com/wisbric/storeforge/internal/tenantauth"
)

type createStoreRequest struct {
	Name   string  `json:"name" validate:"required,min=3,max=63"`
	Engine string  `json:"engine" validate:"required,oneof=woocommerce medusa"`
	Theme  *string `json:"theme,omitempty"`
}

func (s *Server) handleCreateStore(w http.ResponseWriter, r *http.Request) {
	claims, ok := tenantauth.FromContext(r.Context())
	if !ok {
		RespondAppError(w, r, s.logger, apperror.Unauthorized(""))
		return
	}

	var req createStoreRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	if guardrail.ReservedName(req.Name) {
		RespondAppError(w, r, s.logger, apperror.Validation("store name is reserved"))
		return
	}

	if allowed, retryAfter := s.cooldown.Check(claims.Subject); !allowed {
		RespondAppError(w, r, s.logger, apperror.CreationCooldown(retryAfter))
		return
	}
	s.cooldown.Record(claims.Subject)

	count, err := s.orch.ListStoresCount(r.Context(), claims.Subject)
	if err != nil {
		RespondAppError(w, r, s.logger, err)
		return
	}
	if count >= s.maxStoresPerUser {
		RespondAppError(w, r, s.logger, apperror.StoreLimitExceeded(s.maxStoresPerUser))
		return
	}

	row, err := s.orch.CreateStore(r.Context(), orchestrator.CreateParams{
		Name: req.Name, Engine: req.Engine, Theme: req.Theme, OwnerID: claims.Subject,
	})
	if err != nil {
		RespondAppError(w, r, s.logger, err)
		return
	}

	Respond(w, r, http.StatusAccepted, storeView(row, claims))
}

func (s *Server) handleListStores(w http.ResponseWriter, r *http.Request) {
	claims, ok := tenantauth.FromContext(r.Context())
	if !ok {
		RespondAppError(w, r, s.logger, apperror.Unauthorized(""))
		return
	}

	params, err := ParseOffsetParams(r)
	if err != nil {
		RespondAppError(w, r, s.logger, apperror.Validation(err.Error()))
		return
	}

	f := store.ListFilters{Limit: params.PageSize, Offset: params.Offset}
	if claims.Role == tenantauth.RoleAdmin {
		if owner := r.URL.Query().Get("ownerId"); owner != "" {
			f.OwnerID = &owner
		}
	} else {
		owner := claims.Subject
		f.OwnerID = &owner
	}

	rows, err := s.orch.ListStores(r.Context(), f)
	if err != nil {
		RespondAppError(w, r, s.logger, err)
		return
	}

	views := make([]map[string]any, len(rows))
	for i := range rows {
		views[i] = storeView(&rows[i], claims)
	}

	Respond(w, r, http.StatusOK, map[string]any{"stores": views})
}

func (s *Server) handleGetStore(w http.ResponseWriter, r *http.Request) {
	claims, ok := tenantauth.FromContext(r.Context())
	if !ok {
		RespondAppError(w, r, s.logger, apperror.Unauthorized(""))
		return
	}
	id := chi.URLParam(r, "id")

	row, err := s.orch.GetStore(r.Context(), id, scopedOwnerID(claims))
	if err != nil {
		RespondAppError(w, r, s.logger, err)
		return
	}

	Respond(w, r, http.StatusOK, storeView(row, claims))
}

func (s *Server) handleDeleteStore(w http.ResponseWriter, r *http.Request) {
	claims, ok := tenantauth.FromContext(r.Context())
	if !ok {
		RespondAppError(w, r, s.logger, apperror.Unauthorized(""))
		return
	}
	id := chi.URLParam(r, "id")

	if err := s.orch.DeleteStore(r.Context(), id, scopedOwnerID(claims)); err != nil {
		RespondAppError(w, r, s.logger, err)
		return
	}

	Respond(w, r, http.StatusAccepted, map[string]string{"status": string(statemachine.Deleting)})
}

func (s *Server) handleRetryStore(w http.ResponseWriter, r *http.Request) {
	claims, ok := tenantauth.FromContext(r.Context())
	if !ok {
		RespondAppError(w, r, s.logger, apperror.Unauthorized(""))
		return
	}
	id := chi.URLParam(r, "id")

	if err := s.orch.RetryStore(r.Context(), id, scopedOwnerID(claims)); err != nil {
		RespondAppError(w, r, s.logger, err)
		return
	}

	Respond(w, r, http.StatusAccepted, map[string]string{"status": string(statemachine.Requested)})
}

func (s *Server) handleStoreLogs(w http.ResponseWriter, r *http.Request) {
	claims, ok := tenantauth.FromContext(r.Context())
	if !ok {
		RespondAppError(w, r, s.logger, apperror.Unauthorized(""))
		return
	}
	id := chi.URLParam(r, "id")

	if _, err := s.orch.GetStore(r.Context(), id, scopedOwnerID(claims)); err != nil {
		RespondAppError(w, r, s.logger, err)
		return
	}

	params, err := ParseOffsetParams(r)
	if err != nil {
		RespondAppError(w, r, s.logger, apperror.Validation(err.Error()))
		return
	}

	rows, total, err := s.orch.GetStoreLogs(r.Context(), id, params.PageSize, params.Offset)
	if err != nil {
		RespondAppError(w, r, s.logger, err)
		return
	}

	Respond(w, r, http.StatusOK, NewOffsetPage(rows, params, total))
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	claims, ok := tenantauth.FromContext(r.Context())
	if !ok {
		RespondAppError(w, r, s.logger, apperror.Unauthorized(""))
		return
	}

	params, err := ParseOffsetParams(r)
	if err != nil {
		RespondAppError(w, r, s.logger, apperror.Validation(err.Error()))
		return
	}

	ownerID := scopedOwnerID(claims)
	rows, total, err := s.orch.ListAuditForOwner(r.Context(), ownerID, r.URL.Query().Get("storeId"), params.PageSize, params.Offset)
	if err != nil {
		RespondAppError(w, r, s.logger, err)
		return
	}

	Respond(w, r, http.StatusOK, NewOffsetPage(rows, params, total))
}

// scopedOwnerID returns "" for admins (unscoped), the caller's id otherwise.
func scopedOwnerID(claims *tenantauth.Claims) string {
	if claims.Role == tenantauth.RoleAdmin {
		return ""
	}
	return claims.Subject
}

// storeView shapes a store row into the wire response, masking admin
// credentials from anyone but the owning tenant or an admin.
func storeView(row *store.Row, claims *tenantauth.Claims) map[string]any {
	isOwner := claims.Role == tenantauth.RoleAdmin || claims.Subject == row.OwnerID

	var urls map[string]any
	if row.StorefrontURL != nil {
		urls = map[string]any{"storefront": *row.StorefrontURL}
		if row.AdminURL != nil {
			urls["admin"] = *row.AdminURL
		}
	}

	var creds any
	if isOwner && row.AdminCredentials != nil {
		creds = row.AdminCredentials
	}

	var durationMs any
	if row.ProvisioningDurationMs != nil {
		durationMs = *row.ProvisioningDurationMs
	}

	return map[string]any{
		"id":                     row.ID,
		"name":                   row.Name,
		"engine":                 row.Engine,
		"status":                 row.Status,
		"urls":                   urls,
		"adminCredentials":       creds,
		"failureReason":          row.FailureReason,
		"retryCount":             row.RetryCount,
		"provisioningDurationMs": durationMs,
		"ownerId":                row.OwnerID,
		"createdAt":              row.CreatedAt,
		"updatedAt":              row.UpdatedAt,
	}
}
