package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/authd/internal/audit"
	"github.com/alexjbarnes/authd/internal/auth"
	"github.com/alexjbarnes/authd/internal/authcode"
	"github.com/alexjbarnes/authd/internal/catalog"
	"github.com/alexjbarnes/authd/internal/consent"
	"github.com/alexjbarnes/authd/internal/guard"
	"github.com/alexjbarnes/authd/internal/rbac"
	"github.com/alexjbarnes/authd/internal/server"
	"github.com/alexjbarnes/authd/internal/state"
	"github.com/alexjbarnes/authd/internal/token"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

const (
	testUsername = "alice"
	testPassword = "correct horse battery staple"
	testClientID = "c1"
	firstPartyID = "dashboard"
	serviceID    = "svc"
	serviceKey   = "svc-secret-value"
	redirectURI  = "http://127.0.0.1:19876/callback"
	consentURL   = "https://ui.example.com/consent"
)

// harness holds the full e2e stack: a real HTTP server backed by every
// component wired over a bbolt store in a temp directory.
type harness struct {
	URL    string
	State  *state.State
	Client *http.Client
}

func catalogYAML(t *testing.T) string {
	t.Helper()

	pw, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	secret, err := bcrypt.GenerateFromPassword([]byte(serviceKey), bcrypt.MinCost)
	require.NoError(t, err)

	return `
clients:
  - id: ` + testClientID + `
    name: Example App
    redirect_uris: ["` + redirectURI + `"]
    allowed_scopes: [read, write]
  - id: ` + firstPartyID + `
    name: Dashboard
    redirect_uris: ["` + redirectURI + `"]
    allowed_scopes: [read]
    first_party: true
  - id: ` + serviceID + `
    redirect_uris: ["` + redirectURI + `"]
    allowed_scopes: [read]
    confidential: true
    secret_hash: "` + string(secret) + `"
roles:
  - name: consenter
    permissions: [oauth:consent]
users:
  - id: u1
    username: ` + testUsername + `
    password_hash: "` + string(pw) + `"
    roles: [consenter]
scopes:
  read: Read your data
  write: Change your data
`
}

// newHarness seeds the catalog, wires the components the same way the
// authd binary does and starts an httptest server.
func newHarness(t *testing.T) *harness {
	t.Helper()

	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	db, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f, err := catalog.Parse([]byte(catalogYAML(t)))
	require.NoError(t, err)
	require.NoError(t, catalog.Apply(ctx, db, f))

	seed := catalog.New(filepath.Join(t.TempDir(), "catalog.yaml"), db, nil, logger)

	// NewUnstartedServer so the issuer matches the listener address.
	ts := httptest.NewUnstartedServer(nil)
	serverURL := "http://" + ts.Listener.Addr().String()

	auditor := audit.NewAuditor(logger, db)

	signer, err := token.LoadOrCreateKey(ctx, "", db, logger)
	require.NoError(t, err)

	sessions, err := guard.New(db, db, auditor, nil, logger, guard.Config{
		Secret:     []byte(strings.Repeat("k", 32)),
		Issuer:     serverURL,
		SessionTTL: time.Hour,
	})
	require.NoError(t, err)

	gate := rbac.NewGate(db, nil, logger, rbac.GateConfig{TTL: time.Minute})
	policy := rbac.ScopePolicy{Checker: gate}

	tokens, err := token.New(db, db, policy, signer, auditor, nil, logger, token.Config{
		Issuer:     serverURL,
		Audience:   serverURL,
		AccessTTL:  10 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	})
	require.NoError(t, err)

	codes := authcode.New(db, tokens, auditor, nil, logger, authcode.Config{})

	flow, err := consent.New(db, sessions, gate, codes, policy, seed, auditor, logger, consent.Config{
		Issuer:     serverURL,
		ConsentURL: consentURL,
	})
	require.NoError(t, err)

	ts.Config.Handler = server.NewMux(server.MuxConfig{
		Consent:  flow,
		Clients:  db,
		Codes:    codes,
		Tokens:   tokens,
		Sessions: sessions,
		Users:    db,
		Auditor:  auditor,
		Logger:   logger,
		Metadata: auth.MetadataConfig{Issuer: serverURL, Scopes: []string{"read", "write"}},
		Cookies:  auth.CookieConfig{MaxAge: time.Hour},
	})
	ts.Start()
	t.Cleanup(ts.Close)

	client := ts.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &harness{
		URL:    serverURL,
		State:  db,
		Client: client,
	}
}

// oauthConfig is the relying party's view of the server.
func (h *harness) oauthConfig(clientID, secret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		RedirectURL:  redirectURI,
		Scopes:       []string{"read"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   h.URL + "/oauth/authorize",
			TokenURL:  h.URL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// clientContext makes the oauth2 package use the harness HTTP client.
func (h *harness) clientContext(t *testing.T) context.Context {
	return context.WithValue(t.Context(), oauth2.HTTPClient, h.Client)
}

// login posts credentials and returns the session cookie.
func (h *harness) login(t *testing.T, username, password string) (*http.Response, *http.Cookie) {
	t.Helper()

	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	require.NoError(t, err)

	resp := h.do(t, http.MethodPost, "/oauth/login", "application/json", bytes.NewReader(body), nil)
	defer resp.Body.Close()

	for _, c := range resp.Cookies() {
		if c.Name == auth.SessionCookieName {
			return resp, c
		}
	}

	return resp, nil
}

// authorize follows GET /oauth/authorize without following the redirect
// and returns the parsed Location.
func (h *harness) authorize(t *testing.T, authURL string, session *http.Cookie) *url.URL {
	t.Helper()

	resp := h.do(t, http.MethodGet, strings.TrimPrefix(authURL, h.URL), "", nil, session)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	return loc
}

// submitConsent posts the consent decision for the request the consent
// surface received and returns the client redirect.
func (h *harness) submitConsent(t *testing.T, consentQuery url.Values, decision string, session *http.Cookie) *url.URL {
	t.Helper()

	form := url.Values{}
	for k, v := range consentQuery {
		form[k] = v
	}

	form.Set("decision", decision)

	resp := h.do(t, http.MethodPost, "/oauth/consent/submit", "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()), session)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		RedirectURL string `json:"redirect_url"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	loc, err := url.Parse(body.RedirectURL)
	require.NoError(t, err)

	return loc
}

// codeFlow runs login, authorize and consent for a third-party client and
// returns the code together with its verifier.
func (h *harness) codeFlow(t *testing.T, cfg *oauth2.Config) (code, verifier string) {
	t.Helper()

	_, session := h.login(t, testUsername, testPassword)
	require.NotNil(t, session)

	verifier = oauth2.GenerateVerifier()
	authURL := cfg.AuthCodeURL("e2e-state", oauth2.S256ChallengeOption(verifier))

	loc := h.authorize(t, authURL, session)
	require.True(t, strings.HasPrefix(loc.String(), consentURL), "third-party client goes through consent")

	redirect := h.submitConsent(t, loc.Query(), consent.DecisionAllow, session)

	q := redirect.Query()
	require.Equal(t, "e2e-state", q.Get("state"))
	require.Equal(t, h.URL, q.Get("iss"))
	require.NotEmpty(t, q.Get("code"))

	return q.Get("code"), verifier
}

// postForm posts a form to the back channel.
func (h *harness) postForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()

	return h.do(t, http.MethodPost, path, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), nil)
}

// bearer performs a GET with an access token.
func (h *harness) bearer(t *testing.T, path, accessToken string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, h.URL+path, nil)
	require.NoError(t, err)

	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// do performs a request with t.Context() and an optional session cookie.
func (h *harness) do(t *testing.T, method, path, contentType string, body io.Reader, session *http.Cookie) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, h.URL+path, body)
	require.NoError(t, err)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if session != nil {
		req.AddCookie(session)
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}
