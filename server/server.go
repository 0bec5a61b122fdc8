package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/nuguri/nuguri-auth/instrumentation"
	"github.com/nuguri/nuguri-auth/security"
	"github.com/nuguri/nuguri-auth/storage"
	"github.com/nuguri/nuguri-auth/token"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token values
	tokenIDLogLength = 8
)

// Server implements the grant processor, client registry, credential
// verifier and account service. It is transport agnostic; the root oauth
// package maps its typed errors to HTTP.
type Server struct {
	accountStore storage.AccountStore
	clientStore  storage.ClientStore
	tokenStore   storage.TokenStore
	flowStore    storage.FlowStore
	codec        *token.Codec

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	Instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// now is replaced in tests
	now func() time.Time
}

// New creates a new authorization server
func New(
	accountStore storage.AccountStore,
	clientStore storage.ClientStore,
	tokenStore storage.TokenStore,
	flowStore storage.FlowStore,
	codec *token.Codec,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if accountStore == nil {
		return nil, fmt.Errorf("account store is required")
	}
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("token codec is required")
	}
	if !codec.CanSign() {
		return nil, fmt.Errorf("token codec must hold a signing key")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	return &Server{
		accountStore: accountStore,
		clientStore:  clientStore,
		tokenStore:   tokenStore,
		flowStore:    flowStore,
		codec:        codec,
		Config:       config,
		Logger:       logger,
		now:          time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	if aud != nil && s.Instrumentation != nil {
		aud.SetRecorder(s.Instrumentation.Metrics())
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst == nil {
		s.tracer = nil
		return
	}
	s.tracer = inst.Tracer("server")
	if s.Auditor != nil {
		s.Auditor.SetRecorder(inst.Metrics())
	}
}

// Codec returns the token codec used to sign issued tokens.
func (s *Server) Codec() *token.Codec {
	return s.codec
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.Instrumentation == nil {
		return nil
	}
	return s.Instrumentation.Metrics()
}

// startSpan starts a server span, or returns a non-recording span when
// instrumentation is not configured.
func (s *Server) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// recordGrantFailure counts a failed grant by error kind.
func (s *Server) recordGrantFailure(ctx context.Context, grantType string, err error) {
	if m := s.metrics(); m != nil && err != nil {
		m.RecordGrantFailure(ctx, grantType, string(KindOf(err)))
	}
}

// collaboratorContext bounds an account or client lookup.
func (s *Server) collaboratorContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.Config.CollaboratorTimeout)
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for codes and client secrets.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
