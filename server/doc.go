// Package server implements the grant processing core of the authorization
// server.
//
// The Server type verifies client and resource-owner credentials, enforces
// the grant types and scopes a client is registered for, and issues signed
// tokens through the token package while recording them in a
// storage.TokenStore. Five grants are supported:
//
//   - password: resource-owner credentials exchanged for a token pair
//   - authorization_code: a single-use code minted by Authorize and redeemed
//     by ExchangeAuthorizationCode
//   - implicit: Authorize with response type "token" returns an access token
//     directly, without a refresh token
//   - client_credentials: a token for the client itself, with no subject
//   - refresh_token: a new access token for a stored refresh token, rotating
//     the refresh token unless Config.RefreshTokenRotation is false
//
// Every failure is an *Error carrying an ErrorKind. The package never maps
// kinds to HTTP status codes; the root oauth package does that.
//
// Per-account and per-client operations (GetAccount, DeleteClient, ...) run
// the ownership guard from the authz package on the resolved principal before
// touching the record.
//
// Example usage:
//
//	store := memory.New()
//	codec, _ := token.New(key)
//
//	srv, err := server.New(store, store, store, store, codec, &server.Config{}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, _ := srv.AuthenticateClient(ctx, clientID, clientSecret)
//	tok, err := srv.PasswordGrant(ctx, client, email, password, []string{"read"})
package server
