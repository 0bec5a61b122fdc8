package oauth

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/nuguri/nuguri-auth/authz"
	"github.com/nuguri/nuguri-auth/server"
	"github.com/nuguri/nuguri-auth/storage"
)

// ServeListAccounts handles GET /api/v1/users?page=&size=&sort=.
func (h *Handler) ServeListAccounts(w http.ResponseWriter, r *http.Request) {
	page, err := pageFrom(r, storage.AccountSortFields)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	accounts, total, err := h.server.ListAccounts(r.Context(), principal(r), page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(accounts) == 0 {
		h.writeOAuthError(w, NewOAuthError(ErrorCodeNotFound, "no accounts on this page", http.StatusNotFound))
		return
	}

	content := make([]AccountResponse, 0, len(accounts))
	for _, a := range accounts {
		content = append(content, newAccountResponse(a))
	}
	h.writeJSON(w, http.StatusOK, newPageResponse(content, page, total))
}

// ServeGetAccount handles GET /api/v1/user/{id}.
func (h *Handler) ServeGetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := accountIDFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	account, err := h.server.GetAccount(r.Context(), principal(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newAccountResponse(account))
}

// ServeCreateAccount handles POST /api/v1/user. Anonymous callers may
// register USER accounts unless registration is disabled; a bearer token
// with write scope is validated and passed on so that an administrator can
// assign roles.
func (h *Handler) ServeCreateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var caller authz.Principal
	if value, ok := bearerToken(r); ok {
		p, err := h.server.ValidateAccessToken(ctx, value)
		if err != nil {
			if server.IsTokenError(err) {
				h.writeUnauthorizedError(w, toOAuthError(err).Description)
				return
			}
			h.writeError(w, r, err)
			return
		}
		if err := authz.RequireScope(p, storage.ScopeWrite); err != nil {
			h.writeInsufficientScopeError(w, []string{storage.ScopeWrite}, fmt.Sprintf("scope %q is required", storage.ScopeWrite))
			return
		}
		caller = p
	} else if h.config.DisableRegistration {
		h.writeUnauthorizedError(w, "registration requires an administrator token")
		return
	}

	var body CreateAccountRequest
	if err := decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	roles, err := parseRoles(body.Roles)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	account, err := h.server.RegisterAccount(ctx, caller, server.RegisterAccountRequest{
		Email:    body.Email,
		Password: body.Password,
		Name:     body.Name,
		Roles:    roles,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/user/%d", account.ID))
	h.writeJSON(w, http.StatusCreated, newAccountResponse(account))
}

// ServeUpdateAccount handles PATCH /api/v1/user/{id}.
func (h *Handler) ServeUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id, body, roles, ok := h.accountUpdateFrom(w, r)
	if !ok {
		return
	}
	account, err := h.server.UpdateAccount(r.Context(), principal(r), id, server.UpdateAccountRequest{
		Name:     body.Name,
		Password: body.Password,
		Roles:    roles,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newAccountResponse(account))
}

// ServeReplaceAccount handles PUT /api/v1/user/{id}.
func (h *Handler) ServeReplaceAccount(w http.ResponseWriter, r *http.Request) {
	id, body, roles, ok := h.accountUpdateFrom(w, r)
	if !ok {
		return
	}
	var name, password string
	if body.Name != nil {
		name = *body.Name
	}
	if body.Password != nil {
		password = *body.Password
	}
	account, err := h.server.ReplaceAccount(r.Context(), principal(r), id, name, password, roles)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newAccountResponse(account))
}

// ServeDeleteAccount handles DELETE /api/v1/user/{id}. Every token of the
// account is revoked.
func (h *Handler) ServeDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, err := accountIDFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	account, err := h.server.DeleteAccount(r.Context(), principal(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, DeleteResponse{Deleted: 1, ID: strconv.FormatInt(account.ID, 10)})
}

func (h *Handler) accountUpdateFrom(w http.ResponseWriter, r *http.Request) (int64, UpdateAccountRequest, []storage.Role, bool) {
	var body UpdateAccountRequest
	id, err := accountIDFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return 0, body, nil, false
	}
	if err := decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return 0, body, nil, false
	}
	roles, err := parseRoles(body.Roles)
	if err != nil {
		h.writeError(w, r, err)
		return 0, body, nil, false
	}
	return id, body, roles, true
}

func accountIDFrom(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, invalidField("id", "id is wrong")
	}
	return id, nil
}

func parseRoles(raw []string) ([]storage.Role, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	roles := make([]storage.Role, 0, len(raw))
	for _, s := range raw {
		role, err := storage.ParseRole(s)
		if err != nil {
			return nil, invalidField("roles", err.Error())
		}
		roles = append(roles, role)
	}
	return roles, nil
}

func pageFrom(r *http.Request, allowed storage.SortFields) (storage.Page, error) {
	q := r.URL.Query()
	return storage.ParsePage(q.Get("page"), q.Get("size"), q.Get("sort"), allowed)
}

func invalidField(field, message string) *OAuthError {
	e := ErrInvalidRequest("invalid parameter value")
	e.Fields = []storage.FieldError{{Field: field, Message: message}}
	return e
}
