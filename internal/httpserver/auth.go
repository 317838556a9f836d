package httpserver

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/wisbric/storeforge/internal/apperror"
	"github.com/wisbric/storeforge/internal/audit"
	"github.com/wisbric/storeforge/internal/tenantauth"
)

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"username" validate:"required,min=3,max=32"`
	Password string `json:"password" validate:"required,min=8"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	if existing, err := s.users.FindByEmail(r.Context(), req.Email); err != nil {
		RespondAppError(w, r, s.logger, err)
		return
	} else if existing != nil {
		RespondAppError(w, r, s.logger, apperror.UserExists())
		return
	}

	hash, err := tenantauth.HashPassword(req.Password)
	if err != nil {
		RespondAppError(w, r, s.logger, apperror.Internal("failed to hash password"))
		return
	}

	count, err := s.users.CountUsers(r.Context())
	if err != nil {
		RespondAppError(w, r, s.logger, err)
		return
	}
	role := tenantauth.RoleTenant
	if count == 0 {
		role = tenantauth.RoleAdmin
	}

	user, err := s.users.Create(r.Context(), uuid.New().String(), req.Email, req.Username, hash, role)
	if err != nil {
		RespondAppError(w, r, s.logger, err)
		return
	}

	token, err := s.tokens.Issue(tenantauth.Claims{Subject: user.ID, Email: user.Email, Role: user.Role})
	if err != nil {
		RespondAppError(w, r, s.logger, apperror.Internal("failed to issue token"))
		return
	}

	s.auditSecurity(r, user.ID, "user registered")

	Respond(w, r, http.StatusCreated, map[string]any{
		"token": token,
		"user":  userView(user),
	})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	ip := clientKey(r)

	if locked, retryAfter, err := s.lockout.IsLocked(r.Context(), ip, req.Email); err == nil && locked {
		RespondAppError(w, r, s.logger, apperror.AccountLocked(retryAfter))
		return
	}

	user, err := s.users.FindByEmail(r.Context(), req.Email)
	if err != nil {
		RespondAppError(w, r, s.logger, err)
		return
	}
	if user == nil || !user.IsActive || !tenantauth.VerifyPassword(user.PasswordHash, req.Password) {
		_ = s.lockout.RecordFailure(r.Context(), ip, req.Email)
		RespondAppError(w, r, s.logger, apperror.InvalidCredentials())
		return
	}
	_ = s.lockout.RecordSuccess(r.Context(), ip, req.Email)

	token, err := s.tokens.Issue(tenantauth.Claims{Subject: user.ID, Email: user.Email, Role: user.Role})
	if err != nil {
		RespondAppError(w, r, s.logger, apperror.Internal("failed to issue token"))
		return
	}

	s.auditSecurity(r, user.ID, "user logged in")

	Respond(w, r, http.StatusOK, map[string]any{
		"token": token,
		"user":  userView(user),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := tenantauth.FromContext(r.Context())
	if !ok {
		RespondAppError(w, r, s.logger, apperror.Unauthorized(""))
		return
	}
	Respond(w, r, http.StatusOK, map[string]any{
		"id":    claims.Subject,
		"email": claims.Email,
		"role":  claims.Role,
	})
}

func userView(u *tenantauth.User) map[string]any {
	return map[string]any{
		"id":       u.ID,
		"email":    u.Email,
		"username": u.Username,
		"role":     u.Role,
	}
}

func (s *Server) auditSecurity(r *http.Request, userID, message string) {
	email := ""
	if claims, ok := tenantauth.FromContext(r.Context()); ok {
		email = claims.Email
	}
	s.audit.LogFromRequest(r, audit.Entry{
		EventType:     audit.Security,
		Message:       message,
		UserEmail:     emailPtr(email),
		CorrelationID: RequestIDFromContext(r.Context()),
	})
}

func emailPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
