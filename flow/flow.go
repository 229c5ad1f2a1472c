// Package flow implements the OAuth2 authorization code grant as seen by a relying party:
// authorization redirects bound to a CSRF token, the provider callback state machine, local
// user and session reconciliation, and the short-lived credential cookie.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Recorder receives flow events for metrics.
type Recorder interface {
	AuthorizationStarted(provider string)
	CallbackFinished(provider, outcome string)
	ExchangeObserved(provider string, d time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) AuthorizationStarted(string)                   {}
func (nopRecorder) CallbackFinished(string, string)               {}
func (nopRecorder) ExchangeObserved(string, time.Duration, error) {}

// Options wires the collaborators of a Flow.
type Options struct {
	Registry *ClientRegistry
	Decoder  ProfileDecoder
	Users    UserUpsert
	Sessions SessionUpsert
	Cookies  *CookieIssuer
	Logger   *slog.Logger
	Recorder Recorder
	Tracer   trace.Tracer
}

// Flow drives authorization initiation and the callback state machine.
type Flow struct {
	registry *ClientRegistry
	csrf     CSRFBinder
	decoder  ProfileDecoder
	users    UserUpsert
	sessions SessionUpsert
	cookies  *CookieIssuer
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
}

// New validates opts and builds a Flow.
func New(opts Options) (*Flow, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("flow: registry required")
	case opts.Users == nil:
		return nil, errors.New("flow: user upsert required")
	case opts.Sessions == nil:
		return nil, errors.New("flow: session upsert required")
	case opts.Cookies == nil:
		return nil, errors.New("flow: cookie issuer required")
	}

	f := &Flow{
		registry: opts.Registry,
		decoder:  opts.Decoder,
		users:    opts.Users,
		sessions: opts.Sessions,
		cookies:  opts.Cookies,
		logger:   opts.Logger,
		recorder: opts.Recorder,
		tracer:   opts.Tracer,
	}
	if f.decoder == nil {
		f.decoder = JSONProfileDecoder{}
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.recorder == nil {
		f.recorder = nopRecorder{}
	}
	if f.tracer == nil {
		f.tracer = otel.Tracer("oauth2gate/flow")
	}
	return f, nil
}

// CallbackParams are the untrusted query parameters of the provider callback.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Result is a completed callback: the credential cookie and where to send the visitor.
type Result struct {
	Provider string
	Cookie   *http.Cookie
	Location string
	Profile  Profile
	User     User
	Session  UserSession
}

// Begin builds the provider authorization URL and binds its state to sess.
func (f *Flow) Begin(ctx context.Context, providerName string, sess Session) (string, error) {
	ctx, span := f.tracer.Start(ctx, "oauth2.authorize",
		trace.WithAttributes(attribute.String("oauth2.provider", providerName)))
	defer span.End()

	provider, err := f.registry.Get(providerName)
	if err != nil {
		span.SetStatus(codes.Error, "unknown provider")
		return "", err
	}

	req, err := provider.AuthorizationURL()
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("build authorization url: %w", err)
	}
	if err := f.csrf.Bind(ctx, sess, req.State); err != nil {
		span.RecordError(err)
		return "", err
	}
	if req.Verifier != "" {
		err = sess.Set(ctx, pkceVerifierKey, req.Verifier)
	} else {
		err = sess.Delete(ctx, pkceVerifierKey)
	}
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("bind pkce verifier: %w", err)
	}

	f.recorder.AuthorizationStarted(providerName)
	f.logger.Debug("authorization started", "provider", providerName)
	return req.URL, nil
}

// Callback runs the state machine for one provider callback. Any failure is returned as a
// *Rejection and no cookie is produced.
func (f *Flow) Callback(ctx context.Context, providerName string, sess Session, params CallbackParams) (*Result, error) {
	ctx, span := f.tracer.Start(ctx, "oauth2.callback",
		trace.WithAttributes(attribute.String("oauth2.provider", providerName)))
	defer span.End()

	res, err := f.callback(ctx, providerName, sess, params)
	if err != nil {
		rej := &Rejection{Provider: providerName, State: StateRejected, Err: err}
		errors.As(err, &rej)

		span.RecordError(rej.Err)
		span.SetStatus(codes.Error, rej.State.String())
		f.recorder.CallbackFinished(providerName, Outcome(rej.Err))

		attrs := []any{"provider", providerName, "state", rej.State.String(), "error", rej.Err}
		if rej.ClientFault() {
			f.logger.Warn("oauth2 callback rejected", attrs...)
		} else {
			f.logger.Error("oauth2 callback failed", attrs...)
		}
		return nil, rej
	}

	span.SetAttributes(attribute.String("oauth2.user_id", res.User.ID))
	f.recorder.CallbackFinished(providerName, Outcome(nil))
	f.logger.Info("oauth2 callback completed", "provider", providerName, "user_id", res.User.ID, "session_id", res.Session.ID)
	return res, nil
}

func (f *Flow) callback(ctx context.Context, name string, sess Session, params CallbackParams) (*Result, error) {
	state := StateInitiated
	reject := func(err error) (*Result, error) {
		return nil, &Rejection{Provider: name, State: state, Err: err}
	}

	provider, err := f.registry.Get(name)
	if err != nil {
		return reject(err)
	}
	if params.Error != "" {
		return reject(fmt.Errorf("%w: %s %s", ErrAuthorizationDenied, params.Error, params.ErrorDescription))
	}
	if params.Code == "" || params.State == "" {
		return reject(ErrMissingParams)
	}

	state = StateAwaitingCallback
	bound, err := f.csrf.Verify(ctx, sess, params.State)
	if err != nil {
		return reject(err)
	}
	verifier, _, _, err := sess.TakeIf(ctx, pkceVerifierKey, func(string) bool { return true })
	if err != nil {
		return reject(fmt.Errorf("take pkce verifier: %w", err))
	}

	state = StateCSRFVerified
	start := time.Now()
	token, raw, err := provider.Exchange(ctx, ExchangeRequest{
		Code:          params.Code,
		State:         params.State,
		ExpectedState: bound,
		Verifier:      verifier,
	})
	f.recorder.ExchangeObserved(name, time.Since(start), err)
	if err != nil {
		return reject(err)
	}

	state = StateTokenExchanged
	profile, err := f.decoder.DecodeProfile(name, raw)
	if err != nil {
		if !errors.Is(err, ErrDeserialization) {
			err = wrapKind(ErrDeserialization, err)
		}
		return reject(err)
	}
	profile.Provider = name

	state = StateProfileResolved
	user, err := f.users.UpsertByProfile(ctx, profile)
	if err != nil {
		return reject(wrapKind(ErrPersistence, fmt.Errorf("upsert user: %w", err)))
	}
	session, err := f.sessions.UpsertByToken(ctx, token, user)
	if err != nil {
		return reject(wrapKind(ErrPersistence, fmt.Errorf("upsert session: %w", err)))
	}

	state = StateReconciled
	policy := provider.CookiePolicy()
	cookie, err := f.cookies.Issue(policy, Grant{
		Provider: name,
		Token:    token,
		Profile:  profile,
		User:     user,
		Session:  session,
	})
	if err != nil {
		if !errors.Is(err, ErrCookieEncoding) {
			err = wrapKind(ErrCookieEncoding, err)
		}
		return reject(err)
	}

	state = StateCookieIssued
	location := policy.ProtectedURL
	if location == "" {
		location = DefaultProtectedURL
	}

	return &Result{
		Provider: name,
		Cookie:   cookie,
		Location: location,
		Profile:  profile,
		User:     user,
		Session:  session,
	}, nil
}
