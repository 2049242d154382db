// Package consent drives an authorization request from /authorize
// through the consent decision to a redirect carrying either a code or an
// OAuth error.
//
// Every operation returns a Result together with an error. The error is
// set only when the client or its redirect URI cannot be trusted, or when
// the caller fails the session or permission check on a consent endpoint;
// in those cases there is nowhere safe to redirect to. Everything else,
// including internal faults during issuance, becomes an error redirect
// that echoes the client's state.
package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/alexjbarnes/authd/internal/audit"
	"github.com/alexjbarnes/authd/internal/authcode"
	apperrors "github.com/alexjbarnes/authd/internal/errors"
	"github.com/alexjbarnes/authd/internal/guard"
	"github.com/alexjbarnes/authd/internal/models"
	"github.com/alexjbarnes/authd/internal/rbac"
)

// State is a position in the authorization state machine.
type State int

const (
	Requested State = iota
	AwaitingDecision
	Decided
	CodeIssued
	ErrorRedirected
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case AwaitingDecision:
		return "awaiting_decision"
	case Decided:
		return "decided"
	case CodeIssued:
		return "code_issued"
	case ErrorRedirected:
		return "error_redirected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is the terminal outcome of an orchestrator call. RedirectURL is
// where the browser goes next.
type Result struct {
	State       State
	RedirectURL string
}

// Decisions accepted by Submit.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// ClientStore loads registered clients.
type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (*models.Client, error)
}

// SessionValidator resolves a session token to its subject.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*guard.Subject, error)
}

// CodeIssuer mints authorization codes.
type CodeIssuer interface {
	Issue(ctx context.Context, req authcode.IssueRequest) (string, *models.AuthorizationCode, error)
	NormalizeMethod(method string) (string, error)
}

// ScopePolicy decides whether a subject may be granted scopes.
type ScopePolicy interface {
	Permit(ctx context.Context, subject string, scopes []string) error
}

// ScopeDescriber returns human readable scope descriptions.
type ScopeDescriber interface {
	DescribeScope(scope string) string
}

// Config holds orchestrator settings.
type Config struct {
	// Issuer is echoed as the iss parameter on every client redirect
	// (RFC 9207).
	Issuer string
	// ConsentURL is the external consent surface.
	ConsentURL    string
	LookupTimeout time.Duration
}

// AuthorizeRequest carries the /authorize parameters.
type AuthorizeRequest struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	ResponseType        string `json:"response_type"`
	Scope               string `json:"scope"`
	State               string `json:"state"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

// AuthorizeRequestFromQuery reads an AuthorizeRequest from URL or form
// values.
func AuthorizeRequestFromQuery(q url.Values) AuthorizeRequest {
	return AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
}

// Query encodes the request for forwarding to the consent surface.
func (r AuthorizeRequest) Query() url.Values {
	q := url.Values{}

	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}

	set("client_id", r.ClientID)
	set("redirect_uri", r.RedirectURI)
	set("response_type", r.ResponseType)
	set("scope", r.Scope)
	set("state", r.State)
	set("code_challenge", r.CodeChallenge)
	set("code_challenge_method", r.CodeChallengeMethod)

	return q
}

// Scopes splits the space-delimited scope parameter.
func (r AuthorizeRequest) Scopes() []string {
	return strings.Fields(r.Scope)
}

// SubmitRequest is a consent decision for an authorization request.
type SubmitRequest struct {
	AuthorizeRequest
	Decision string `json:"decision"`
}

// ScopeInfo describes one requested scope.
type ScopeInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ConsentInfo is what the consent surface renders.
type ConsentInfo struct {
	ClientID    string      `json:"client_id"`
	ClientName  string      `json:"client_name"`
	Username    string      `json:"username"`
	Scopes      []ScopeInfo `json:"scopes"`
	RedirectURI string      `json:"redirect_uri"`
	State       string      `json:"state,omitempty"`
}

// Orchestrator implements the authorization and consent state machine.
type Orchestrator struct {
	clients  ClientStore
	sessions SessionValidator
	gate     rbac.Checker
	codes    CodeIssuer
	policy   ScopePolicy
	scopes   ScopeDescriber
	auditor  audit.Sink
	logger   *slog.Logger
	cfg      Config
}

// New creates an Orchestrator. policy and scopes may be nil.
func New(clients ClientStore, sessions SessionValidator, gate rbac.Checker, codes CodeIssuer, policy ScopePolicy, scopes ScopeDescriber, auditor audit.Sink, logger *slog.Logger, cfg Config) (*Orchestrator, error) {
	if clients == nil || sessions == nil || gate == nil || codes == nil {
		return nil, errors.New("client store, session validator, permission gate and code issuer are required")
	}

	if _, err := url.ParseRequestURI(cfg.ConsentURL); err != nil {
		return nil, fmt.Errorf("invalid consent URL: %w", err)
	}

	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 3 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		clients:  clients,
		sessions: sessions,
		gate:     gate,
		codes:    codes,
		policy:   policy,
		scopes:   scopes,
		auditor:  auditor,
		logger:   logger,
		cfg:      cfg,
	}, nil
}

// Authorize handles /authorize. Without a valid session, or when the
// client needs the user's consent, the browser is sent to the consent
// surface with the original parameters. First-party clients with a
// permitted session receive a code directly.
func (o *Orchestrator) Authorize(ctx context.Context, sessionToken string, req AuthorizeRequest) (Result, error) {
	client, err := o.trustedClient(ctx, req)
	if err != nil {
		return Result{}, err
	}

	if req.ResponseType != "code" {
		return o.errorRedirect(req, apperrors.CodeUnsupportedResponseType, "response_type must be code"), nil
	}

	if req.CodeChallenge == "" {
		return o.errorRedirect(req, apperrors.CodeInvalidRequest, "code_challenge is required"), nil
	}

	if _, err := o.codes.NormalizeMethod(req.CodeChallengeMethod); err != nil {
		return o.errorRedirect(req, apperrors.CodeInvalidRequest, "unsupported code_challenge_method"), nil
	}

	if !client.AllowsScopes(req.Scopes()) {
		return o.errorRedirect(req, apperrors.CodeInvalidScope, "requested scope is not allowed for this client"), nil
	}

	subject, err := o.sessions.Validate(ctx, sessionToken)

	switch {
	case errors.Is(err, apperrors.ErrUpstreamUnavailable):
		return o.errorRedirect(req, apperrors.CodeTemporarilyUnavailable, "try again later"), nil
	case err != nil, !client.FirstParty:
		return o.awaitDecision(req), nil
	}

	if !o.gate.HasPermission(ctx, subject.UserID, rbac.PermissionConsent) {
		o.deny(ctx, audit.EventForbidden, subject.UserID, client.ID, "missing "+rbac.PermissionConsent)
		return o.errorRedirect(req, apperrors.CodeAccessDenied, "not permitted to authorize clients"), nil
	}

	return o.issue(ctx, subject, client, req), nil
}

// Info returns the consent screen data for an authorization request.
func (o *Orchestrator) Info(ctx context.Context, sessionToken string, req AuthorizeRequest) (*ConsentInfo, error) {
	client, err := o.trustedClient(ctx, req)
	if err != nil {
		return nil, err
	}

	subject, err := o.authorizeSubject(ctx, sessionToken, client.ID)
	if err != nil {
		return nil, err
	}

	scopes := req.Scopes()
	if !client.AllowsScopes(scopes) {
		return nil, fmt.Errorf("%w: requested scope is not allowed for this client", apperrors.ErrInvalidScope)
	}

	info := &ConsentInfo{
		ClientID:    client.ID,
		ClientName:  client.Name,
		Username:    subject.Username,
		Scopes:      make([]ScopeInfo, 0, len(scopes)),
		RedirectURI: req.RedirectURI,
		State:       req.State,
	}

	if info.ClientName == "" {
		info.ClientName = client.ID
	}

	for _, s := range scopes {
		si := ScopeInfo{Name: s}
		if o.scopes != nil {
			si.Description = o.scopes.DescribeScope(s)
		}

		info.Scopes = append(info.Scopes, si)
	}

	return info, nil
}

// Submit applies a consent decision. The session and permission are
// checked again because either may have changed since Info.
func (o *Orchestrator) Submit(ctx context.Context, sessionToken string, req SubmitRequest) (Result, error) {
	client, err := o.trustedClient(ctx, req.AuthorizeRequest)
	if err != nil {
		return Result{}, err
	}

	subject, err := o.authorizeSubject(ctx, sessionToken, client.ID)
	if errors.Is(err, apperrors.ErrUpstreamUnavailable) {
		return o.errorRedirect(req.AuthorizeRequest, apperrors.CodeTemporarilyUnavailable, "try again later"), nil
	}

	if err != nil {
		return Result{}, err
	}

	o.transition(Decided, client.ID)

	switch req.Decision {
	case DecisionAllow:
	case DecisionDeny:
		o.record(ctx, models.AuditEvent{
			Type:     audit.EventConsentDenied,
			UserID:   subject.UserID,
			ClientID: client.ID,
			Details:  map[string]any{"scopes": req.Scopes()},
		})

		return o.errorRedirect(req.AuthorizeRequest, apperrors.CodeAccessDenied, "the user denied the request"), nil
	default:
		return o.errorRedirect(req.AuthorizeRequest, apperrors.CodeInvalidRequest, "decision must be allow or deny"), nil
	}

	if !client.AllowsScopes(req.Scopes()) {
		return o.errorRedirect(req.AuthorizeRequest, apperrors.CodeInvalidScope, "requested scope is not allowed for this client"), nil
	}

	if o.policy != nil {
		if err := o.policy.Permit(ctx, subject.UserID, req.Scopes()); err != nil {
			o.deny(ctx, audit.EventScopeDenied, subject.UserID, client.ID, err.Error())
			return o.errorRedirect(req.AuthorizeRequest, apperrors.CodeAccessDenied, "not permitted to grant the requested scope"), nil
		}
	}

	result := o.issue(ctx, subject, client, req.AuthorizeRequest)
	if result.State == CodeIssued {
		o.record(ctx, models.AuditEvent{
			Type:     audit.EventConsentGranted,
			UserID:   subject.UserID,
			ClientID: client.ID,
			Details:  map[string]any{"scopes": req.Scopes()},
		})
	}

	return result, nil
}

// trustedClient resolves the client and checks the redirect URI. Errors
// here are never redirected.
func (o *Orchestrator) trustedClient(ctx context.Context, req AuthorizeRequest) (*models.Client, error) {
	if req.ClientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", apperrors.ErrInvalidRequest)
	}

	lctx, cancel := context.WithTimeout(ctx, o.cfg.LookupTimeout)
	defer cancel()

	client, err := o.clients.GetClient(lctx, req.ClientID)
	if err != nil {
		return nil, apperrors.Upstream("loading client", err)
	}

	if client == nil {
		return nil, fmt.Errorf("%w: unknown client", apperrors.ErrInvalidClient)
	}

	if !client.HasRedirectURI(req.RedirectURI) {
		return nil, fmt.Errorf("%w: redirect_uri is not registered for this client", apperrors.ErrInvalidRedirectURI)
	}

	return client, nil
}

// authorizeSubject runs the session and permission checks required on
// every consent endpoint.
func (o *Orchestrator) authorizeSubject(ctx context.Context, sessionToken, clientID string) (*guard.Subject, error) {
	subject, err := o.sessions.Validate(ctx, sessionToken)
	if err != nil {
		if errors.Is(err, apperrors.ErrUnauthorized) {
			o.deny(ctx, audit.EventUnauthorized, "", clientID, reasonFor(err))
		}

		return nil, err
	}

	if !o.gate.HasPermission(ctx, subject.UserID, rbac.PermissionConsent) {
		o.deny(ctx, audit.EventForbidden, subject.UserID, clientID, "missing "+rbac.PermissionConsent)
		return nil, apperrors.ErrForbidden
	}

	return subject, nil
}

func (o *Orchestrator) issue(ctx context.Context, subject *guard.Subject, client *models.Client, req AuthorizeRequest) Result {
	code, _, err := o.codes.Issue(ctx, authcode.IssueRequest{
		Client:              client,
		UserID:              subject.UserID,
		RedirectURI:         req.RedirectURI,
		Scopes:              req.Scopes(),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrUnsupportedChallengeMethod) || errors.Is(err, apperrors.ErrInvalidRequest) {
			return o.errorRedirect(req, apperrors.CodeInvalidRequest, "invalid code_challenge")
		}

		o.logger.Error("authorization code issuance failed",
			slog.String("client_id", client.ID),
			slog.String("error", err.Error()),
		)

		return o.errorRedirect(req, apperrors.CodeServerError, "authorization code could not be issued")
	}

	params := url.Values{}
	params.Set("code", code)
	o.echo(params, req.State)

	o.transition(CodeIssued, client.ID)

	return Result{State: CodeIssued, RedirectURL: appendQuery(req.RedirectURI, params)}
}

func (o *Orchestrator) awaitDecision(req AuthorizeRequest) Result {
	o.transition(AwaitingDecision, req.ClientID)

	return Result{State: AwaitingDecision, RedirectURL: appendQuery(o.cfg.ConsentURL, req.Query())}
}

func (o *Orchestrator) errorRedirect(req AuthorizeRequest, code, description string) Result {
	params := url.Values{}
	params.Set("error", code)
	params.Set("error_description", description)
	o.echo(params, req.State)

	o.transition(ErrorRedirected, req.ClientID, slog.String("error", code))

	return Result{State: ErrorRedirected, RedirectURL: appendQuery(req.RedirectURI, params)}
}

func (o *Orchestrator) echo(params url.Values, state string) {
	if state != "" {
		params.Set("state", state)
	}

	if o.cfg.Issuer != "" {
		params.Set("iss", o.cfg.Issuer)
	}
}

func (o *Orchestrator) transition(to State, clientID string, attrs ...any) {
	o.logger.Debug("authorization state",
		append([]any{slog.String("state", to.String()), slog.String("client_id", clientID)}, attrs...)...,
	)
}

func (o *Orchestrator) deny(ctx context.Context, eventType, userID, clientID, reason string) {
	o.logger.Warn("consent request denied",
		slog.String("event_type", eventType),
		slog.String("client_id", clientID),
		slog.String("reason", reason),
	)

	o.record(ctx, models.AuditEvent{Type: eventType, UserID: userID, ClientID: clientID, Reason: reason})
}

func (o *Orchestrator) record(ctx context.Context, ev models.AuditEvent) {
	if o.auditor != nil {
		o.auditor.Record(ctx, ev)
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrInactiveAccount):
		return "inactive_account"
	case errors.Is(err, apperrors.ErrInvalidSession):
		return "invalid_session"
	default:
		return "unauthenticated"
	}
}

// appendQuery adds params to base, keeping any query base already has and
// any fragment after the query.
func appendQuery(base string, params url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + "?" + params.Encode()
	}

	q := u.Query()
	for k, v := range params {
		q[k] = v
	}

	u.RawQuery = q.Encode()

	return u.String()
}
