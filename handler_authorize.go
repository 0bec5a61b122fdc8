package oauth

import (
	"html/template"
	"net/http"
	"net/url"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"github.com/nuguri/nuguri-auth/authz"
	"github.com/nuguri/nuguri-auth/instrumentation"
	"github.com/nuguri/nuguri-auth/internal/util"
	"github.com/nuguri/nuguri-auth/security"
	"github.com/nuguri/nuguri-auth/server"
)

const approvalParam = "user_oauth_approval"

// authorizePageTemplate asks the resource owner to sign in and approve the
// request. The request parameters travel in hidden fields.
const authorizePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #f4f5f7;
            display: flex;
            align-items: center;
            justify-content: center;
            min-height: 100vh;
            margin: 0;
        }
        .container {
            background: #fff;
            border-radius: 8px;
            box-shadow: 0 2px 12px rgba(0, 0, 0, 0.1);
            padding: 2rem;
            width: 100%;
            max-width: 360px;
        }
        h1 { font-size: 1.5rem; margin: 0 0 1rem; }
        .client { font-weight: 600; }
        .error { color: #c62828; margin-bottom: 1rem; }
        label { display: block; margin: 0.75rem 0 0.25rem; font-size: 0.875rem; }
        input[type=text], input[type=password] {
            width: 100%;
            box-sizing: border-box;
            padding: 0.5rem;
            border: 1px solid #ccc;
            border-radius: 4px;
        }
        .scopes { margin: 1rem 0; padding-left: 1.25rem; }
        .actions { display: flex; gap: 0.5rem; margin-top: 1.5rem; }
        button { flex: 1; padding: 0.625rem; border: none; border-radius: 4px; cursor: pointer; }
        .approve { background: #1565c0; color: #fff; }
        .deny { background: #e0e0e0; }
    </style>
</head>
<body>
    <div class="container">
        <h1>{{.Title}}</h1>
        <p><span class="client">{{.ClientName}}</span> is requesting access to your account.</p>
        {{if .Scopes}}<ul class="scopes">{{range .Scopes}}<li>{{.}}</li>{{end}}</ul>{{end}}
        {{if .Error}}<p class="error">{{.Error}}</p>{{end}}
        <form method="post" action="{{.Action}}">
            <input type="hidden" name="response_type" value="{{.ResponseType}}">
            <input type="hidden" name="client_id" value="{{.ClientID}}">
            <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
            <input type="hidden" name="scope" value="{{.Scope}}">
            <input type="hidden" name="state" value="{{.State}}">
            <label for="username">Email</label>
            <input type="text" id="username" name="username" value="{{.Username}}" autocomplete="username" required>
            <label for="password">Password</label>
            <input type="password" id="password" name="password" autocomplete="current-password" required>
            <div class="actions">
                <button type="submit" class="approve" name="user_oauth_approval" value="true">Authorize</button>
                <button type="submit" class="deny" name="user_oauth_approval" value="false" formnovalidate>Deny</button>
            </div>
        </form>
    </div>
</body>
</html>`

var authorizePageTmpl = template.Must(template.New("authorize").Parse(authorizePageTemplate))

type authorizePageData struct {
	Title        string
	ClientName   string
	Scopes       []string
	Error        string
	Action       string
	ResponseType string
	ClientID     string
	RedirectURI  string
	Scope        string
	State        string
	Username     string
}

// authorizeRequestFrom reads the authorization parameters from the query
// (GET) or the form body (POST).
func authorizeRequestFrom(values url.Values) server.AuthorizeRequest {
	return server.AuthorizeRequest{
		ResponseType: values.Get("response_type"),
		ClientID:     values.Get("client_id"),
		RedirectURI:  values.Get("redirect_uri"),
		Scope:        util.ParseScope(values.Get("scope")),
		State:        values.Get("state"),
	}
}

// ServeAuthorizationPage handles GET /oauth/authorize. Failures before the
// redirect URI is verified are reported to the user agent; later failures
// are sent back to the client's redirect URI.
func (h *Handler) ServeAuthorizationPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := authorizeRequestFrom(r.URL.Query())

	client, redirectURI, err := h.server.ResolveRedirect(ctx, req)
	if err != nil {
		h.logger.Info("Authorization request rejected",
			"client_id", util.SafeTruncate(req.ClientID, 64),
			"ip", clientIP(r),
			"error", err)
		h.writeError(w, r, err)
		return
	}

	scopes, err := server.ValidateAuthorizeRequest(client, req)
	if err != nil {
		h.redirectError(w, r, req, redirectURI, toOAuthError(err))
		return
	}

	h.renderAuthorizePage(w, http.StatusOK, authorizePageData{
		ClientName: clientDisplayName(client.ClientName, client.ClientID),
		Scopes:     scopes,
	}, req)
}

// ServeAuthorizationDecision handles the form post of the authorization
// page: the resource owner's credentials and approval.
func (h *Handler) ServeAuthorizationDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)

	if err := parseForm(w, r); err != nil {
		h.writeError(w, r, err)
		return
	}
	req := authorizeRequestFrom(r.PostForm)

	client, redirectURI, err := h.server.ResolveRedirect(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, r, err)
		return
	}

	if r.PostFormValue(approvalParam) != "true" {
		h.logger.Info("Authorization denied by resource owner", "client_id", client.ClientID)
		h.redirectError(w, r, req, redirectURI, ErrAccessDenied("user denied access"))
		return
	}

	username := r.PostFormValue("username")
	account, err := h.server.VerifyAccount(ctx, username, r.PostFormValue("password"))
	if err != nil {
		if server.KindOf(err) != server.KindInvalidGrant {
			h.writeError(w, r, err)
			return
		}
		scopes, _ := server.ValidateAuthorizeRequest(client, req)
		h.renderAuthorizePage(w, http.StatusUnauthorized, authorizePageData{
			ClientName: clientDisplayName(client.ClientName, client.ClientID),
			Scopes:     scopes,
			Error:      "Invalid email or password.",
			Username:   username,
		}, req)
		return
	}

	result, err := h.server.Authorize(ctx, req, authz.ForAccount(account))
	if err != nil {
		instrumentation.RecordError(span, err)
		if oauthErr := toOAuthError(err); oauthErr.Status < http.StatusInternalServerError {
			h.redirectError(w, r, req, redirectURI, oauthErr)
			return
		}
		h.writeError(w, r, err)
		return
	}

	h.redirectResult(w, r, result)
}

func (h *Handler) renderAuthorizePage(w http.ResponseWriter, status int, data authorizePageData, req server.AuthorizeRequest) {
	data.Title = h.config.LoginTitle
	data.Action = "/oauth/authorize"
	data.ResponseType = req.ResponseType
	data.ClientID = req.ClientID
	data.RedirectURI = req.RedirectURI
	data.Scope = util.FormatScope(req.Scope)
	data.State = req.State

	security.SetPageSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := authorizePageTmpl.Execute(w, data); err != nil {
		h.logger.Error("Failed to render authorization page", "error", err)
	}
}

// redirectResult sends the approved result to the client: the code in the
// query, or the access token in the fragment.
func (h *Handler) redirectResult(w http.ResponseWriter, r *http.Request, result *server.AuthorizeResult) {
	values := url.Values{}
	if result.Code != "" {
		values.Set("code", result.Code)
	} else if t := result.Token; t != nil {
		values.Set("access_token", t.AccessToken)
		values.Set("token_type", tokenTypeBearer)
		values.Set("expires_in", strconv.FormatInt(t.ExpiresIn, 10))
		values.Set("scope", util.FormatScope(t.Scopes))
		values.Set("jti", t.TokenID)
	}
	if result.State != "" {
		values.Set("state", result.State)
	}
	h.redirect(w, r, result.RedirectURI, result.ResponseType == server.ResponseTypeToken, values)
}

// redirectError reports a failure to a verified redirect URI
// (RFC 6749 Section 4.1.2.1 and 4.2.2.1).
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, req server.AuthorizeRequest, redirectURI string, e *OAuthError) {
	values := url.Values{}
	values.Set("error", e.Code)
	if e.Description != "" {
		values.Set("error_description", e.Description)
	}
	if req.State != "" {
		values.Set("state", req.State)
	}
	h.redirect(w, r, redirectURI, req.ResponseType == server.ResponseTypeToken, values)
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, base string, fragment bool, values url.Values) {
	target := base
	if fragment {
		target = base + "#" + values.Encode()
	} else if u, err := url.Parse(base); err == nil {
		q := u.Query()
		for k, vs := range values {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target, http.StatusFound)
}

func clientDisplayName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
