// Package instrumentation holds the OpenTelemetry counters emitted by the
// authorization server. Without an installed SDK the global meter
// provider is a no-op, so recording is always safe.
package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ScopeName is the instrumentation scope for every meter in authd.
const ScopeName = "github.com/alexjbarnes/authd"

// Metrics holds all metric instruments.
type Metrics struct {
	codesIssued       metric.Int64Counter
	codesRedeemed     metric.Int64Counter
	codeReplays       metric.Int64Counter
	pkceFailures      metric.Int64Counter
	tokensIssued      metric.Int64Counter
	tokensRefreshed   metric.Int64Counter
	tokensRevoked     metric.Int64Counter
	refreshReuse      metric.Int64Counter
	permissionDenials metric.Int64Counter
	loginFailures     metric.Int64Counter
	lockouts          metric.Int64Counter
}

// New creates the instruments on the given provider. A nil provider uses
// the global one.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(ScopeName)
	m := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.codesIssued, "authd.authorization_codes.issued", "Authorization codes issued", "{code}"},
		{&m.codesRedeemed, "authd.authorization_codes.redeemed", "Authorization codes redeemed successfully", "{code}"},
		{&m.codeReplays, "authd.authorization_codes.replayed", "Redemption attempts on consumed codes", "{attempt}"},
		{&m.pkceFailures, "authd.pkce.failures", "PKCE verifier mismatches", "{attempt}"},
		{&m.tokensIssued, "authd.tokens.issued", "Token pairs issued", "{token}"},
		{&m.tokensRefreshed, "authd.tokens.refreshed", "Refresh token rotations", "{token}"},
		{&m.tokensRevoked, "authd.tokens.revoked", "Tokens revoked", "{token}"},
		{&m.refreshReuse, "authd.refresh_tokens.reuse_detected", "Presentations of rotated refresh tokens", "{attempt}"},
		{&m.permissionDenials, "authd.permissions.denied", "Permission gate denials", "{check}"},
		{&m.loginFailures, "authd.logins.failed", "Failed login attempts", "{attempt}"},
		{&m.lockouts, "authd.accounts.locked", "Accounts locked after repeated failures", "{account}"},
	}

	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}

		*c.dst = counter
	}

	return m, nil
}

// Noop returns Metrics backed by a no-op provider.
func Noop() *Metrics {
	m, err := New(noop.NewMeterProvider())
	if err != nil {
		panic("noop meter failed: " + err.Error())
	}

	return m
}

func clientAttr(clientID string) metric.AddOption {
	return metric.WithAttributes(attribute.String("client_id", clientID))
}

// The methods below are safe on a nil receiver.

func (m *Metrics) CodeIssued(ctx context.Context, clientID string) {
	if m != nil {
		m.codesIssued.Add(ctx, 1, clientAttr(clientID))
	}
}

func (m *Metrics) CodeRedeemed(ctx context.Context, clientID string) {
	if m != nil {
		m.codesRedeemed.Add(ctx, 1, clientAttr(clientID))
	}
}

func (m *Metrics) CodeReplayed(ctx context.Context, clientID string) {
	if m != nil {
		m.codeReplays.Add(ctx, 1, clientAttr(clientID))
	}
}

func (m *Metrics) PKCEFailed(ctx context.Context, clientID string) {
	if m != nil {
		m.pkceFailures.Add(ctx, 1, clientAttr(clientID))
	}
}

func (m *Metrics) TokenIssued(ctx context.Context, clientID string) {
	if m != nil {
		m.tokensIssued.Add(ctx, 1, clientAttr(clientID))
	}
}

func (m *Metrics) TokenRefreshed(ctx context.Context, clientID string) {
	if m != nil {
		m.tokensRefreshed.Add(ctx, 1, clientAttr(clientID))
	}
}

func (m *Metrics) TokenRevoked(ctx context.Context, kind string) {
	if m != nil {
		m.tokensRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("token_type", kind)))
	}
}

func (m *Metrics) RefreshReuse(ctx context.Context, clientID string) {
	if m != nil {
		m.refreshReuse.Add(ctx, 1, clientAttr(clientID))
	}
}

func (m *Metrics) PermissionDenied(ctx context.Context, permission string) {
	if m != nil {
		m.permissionDenials.Add(ctx, 1, metric.WithAttributes(attribute.String("permission", permission)))
	}
}

func (m *Metrics) LoginFailed(ctx context.Context) {
	if m != nil {
		m.loginFailures.Add(ctx, 1)
	}
}

func (m *Metrics) AccountLocked(ctx context.Context) {
	if m != nil {
		m.lockouts.Add(ctx, 1)
	}
}
