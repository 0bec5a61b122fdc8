// Package token encodes and decodes the signed bearer tokens issued by the
// authorization server.
//
// Tokens are JWTs signed with RS256. A Codec built from a private key can both
// sign and verify; a Codec built with NewVerifier only holds the public key and
// is what a standalone resource server uses to validate tokens without access
// to the token store.
//
// Decode distinguishes three failures with sentinel errors: ErrExpired,
// ErrInvalidSignature and ErrMalformed. Callers match them with errors.Is.
package token
