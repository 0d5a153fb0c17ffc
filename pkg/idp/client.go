package idp

import (
	"context"
	"fmt"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// TokenResult carries the outcome of an authorization-code exchange
type TokenResult struct {
	// IDTokenClaims are the verified claims from the ID token
	IDTokenClaims map[string]interface{}
	// UserinfoClaims are the claims from the userinfo endpoint; may be empty
	// when the endpoint is unavailable
	UserinfoClaims map[string]interface{}
	// RawIDToken is the serialized ID token, kept for the logout hint
	RawIDToken string
}

// Client is the per-IdP OIDC capability used by the registry. Tests
// substitute this interface instead of subclassing a concrete client.
type Client interface {
	// BuildAuthorizeURL returns the authorization endpoint redirect for this
	// login attempt. codeVerifier is the PKCE verifier, empty when PKCE is
	// disabled for the IdP.
	BuildAuthorizeURL(state, codeVerifier string) string

	// ExchangeCode redeems an authorization code, verifies the ID token, and
	// fetches userinfo claims
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenResult, error)

	// BuildEndSessionURL returns the IdP's RP-initiated-logout URL carrying
	// the given hint parameter, or "" when the IdP advertises no end-session
	// endpoint. Empty hintParam omits the hint.
	BuildEndSessionURL(hintParam, hintValue, postLogoutRedirectURI string) string
}

// Discoverer performs OIDC issuer discovery and builds a Client
type Discoverer interface {
	Discover(ctx context.Context, provider *IdentityProvider, redirectURL string) (Client, error)
}

// NewDiscoverer returns the production Discoverer backed by go-oidc
func NewDiscoverer() Discoverer {
	return &oidcDiscoverer{}
}

type oidcDiscoverer struct{}

func (d *oidcDiscoverer) Discover(ctx context.Context, provider *IdentityProvider, redirectURL string) (Client, error) {
	discovered, err := oidc.NewProvider(ctx, provider.OIDC.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover issuer %s: %w", provider.OIDC.IssuerURL, err)
	}

	verifier := discovered.Verifier(&oidc.Config{
		ClientID: provider.OIDC.ClientID,
	})

	// The end-session endpoint is not part of the go-oidc Provider surface,
	// pull it out of the raw discovery document.
	var extra struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := discovered.Claims(&extra); err != nil {
		return nil, fmt.Errorf("failed to parse discovery document: %w", err)
	}

	return &oidcClient{
		provider: discovered,
		verifier: verifier,
		oauth2Config: oauth2.Config{
			ClientID:     provider.OIDC.ClientID,
			ClientSecret: provider.OIDC.ClientSecret,
			Endpoint:     discovered.Endpoint(),
			RedirectURL:  redirectURL,
			Scopes:       provider.OIDC.Scopes,
		},
		endSessionEndpoint: extra.EndSessionEndpoint,
	}, nil
}

// oidcClient implements Client over a discovered go-oidc provider
type oidcClient struct {
	provider           *oidc.Provider
	verifier           *oidc.IDTokenVerifier
	oauth2Config       oauth2.Config
	endSessionEndpoint string
}

func (c *oidcClient) BuildAuthorizeURL(state, codeVerifier string) string {
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if codeVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(codeVerifier))
	}
	return c.oauth2Config.AuthCodeURL(state, opts...)
}

func (c *oidcClient) ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenResult, error) {
	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	oauth2Token, err := c.oauth2Config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("missing id_token in token response")
	}

	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var idTokenClaims map[string]interface{}
	if err := idToken.Claims(&idTokenClaims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}

	// Userinfo is best-effort; some IdPs put everything in the ID token
	userinfoClaims := map[string]interface{}{}
	if userinfo, err := c.provider.UserInfo(ctx, oauth2.StaticTokenSource(oauth2Token)); err == nil {
		_ = userinfo.Claims(&userinfoClaims)
	}

	return &TokenResult{
		IDTokenClaims:  idTokenClaims,
		UserinfoClaims: userinfoClaims,
		RawIDToken:     rawIDToken,
	}, nil
}

func (c *oidcClient) BuildEndSessionURL(hintParam, hintValue, postLogoutRedirectURI string) string {
	if c.endSessionEndpoint == "" {
		return ""
	}

	endSession, err := url.Parse(c.endSessionEndpoint)
	if err != nil {
		return ""
	}

	query := endSession.Query()
	if hintParam != "" {
		query.Set(hintParam, hintValue)
	}
	if postLogoutRedirectURI != "" {
		query.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	}
	endSession.RawQuery = query.Encode()

	return endSession.String()
}
