package auth

import (
	"net/http"
)

// ServerMetadata is the RFC 8414 response.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`

	// RFC 9207.
	AuthorizationResponseIssParameterSupported bool `json:"authorization_response_iss_parameter_supported"`
}

// MetadataConfig describes what the metadata document advertises.
type MetadataConfig struct {
	Issuer     string
	Scopes     []string
	AllowPlain bool
}

// HandleServerMetadata returns the /.well-known/oauth-authorization-server handler.
func HandleServerMetadata(cfg MetadataConfig) http.HandlerFunc {
	methods := []string{"S256"}
	if cfg.AllowPlain {
		methods = append(methods, "plain")
	}

	meta := ServerMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             cfg.Issuer + "/oauth/authorize",
		TokenEndpoint:                     cfg.Issuer + "/oauth/token",
		RevocationEndpoint:                cfg.Issuer + "/oauth/revoke",
		IntrospectionEndpoint:             cfg.Issuer + "/oauth/introspect",
		UserinfoEndpoint:                  cfg.Issuer + "/oauth/userinfo",
		JWKSURI:                           cfg.Issuer + "/.well-known/jwks.json",
		ScopesSupported:                   cfg.Scopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{GrantAuthorizationCode, GrantRefreshToken},
		CodeChallengeMethodsSupported:     methods,
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic", "client_secret_post"},

		AuthorizationResponseIssParameterSupported: true,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		writeJSON(w, http.StatusOK, meta)
	}
}

// HandleJWKS returns the /.well-known/jwks.json handler.
func HandleJWKS(keys KeySource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=300")
		writeJSON(w, http.StatusOK, keys.PublicJWKS())
	}
}
