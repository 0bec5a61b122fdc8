// Package testutil provides testing utilities and test fixtures shared by the
// package tests: fixture accounts, clients and tokens, a cached RSA signing key,
// a controllable clock, assertions and an HTTP request builder.
package testutil
