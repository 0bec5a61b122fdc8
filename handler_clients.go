package oauth

import (
	"net/http"

	"github.com/nuguri/nuguri-auth/server"
	"github.com/nuguri/nuguri-auth/storage"
)

// ServeRegisterClient handles POST /api/v1/client. The new client is owned
// by the token's account; its secret is returned only in this response.
func (h *Handler) ServeRegisterClient(w http.ResponseWriter, r *http.Request) {
	var body ClientRegistrationRequest
	if err := decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	client, secret, err := h.server.RegisterClient(r.Context(), principal(r), server.RegisterClientRequest{
		ClientName:  body.ClientName,
		RedirectURI: body.RedirectURI,
		ResourceIDs: body.ResourceIDs,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/client/"+client.ClientID)
	h.writeJSON(w, http.StatusCreated, newClientResponse(client, secret))
}

// ServeListClients handles GET /api/v1/clients?page=&size=&sort=.
func (h *Handler) ServeListClients(w http.ResponseWriter, r *http.Request) {
	page, err := pageFrom(r, storage.ClientSortFields)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	clients, total, err := h.server.ListClients(r.Context(), principal(r), page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(clients) == 0 {
		h.writeOAuthError(w, NewOAuthError(ErrorCodeNotFound, "no clients on this page", http.StatusNotFound))
		return
	}

	content := make([]ClientResponse, 0, len(clients))
	for _, c := range clients {
		content = append(content, newClientResponse(c, ""))
	}
	h.writeJSON(w, http.StatusOK, newPageResponse(content, page, total))
}

// ServeGetClient handles GET /api/v1/client/{id}.
func (h *Handler) ServeGetClient(w http.ResponseWriter, r *http.Request) {
	client, err := h.server.GetClient(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newClientResponse(client, ""))
}

// ServeDeleteClient handles DELETE /api/v1/client/{id}.
func (h *Handler) ServeDeleteClient(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.server.DeleteClient(r.Context(), principal(r), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, DeleteResponse{Deleted: 1, ID: id})
}
