package idp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hangarhq/hangar/pkg/observability"
	"github.com/hangarhq/hangar/pkg/provision"
)

type fakeStore struct {
	providers []*IdentityProvider
	err       error
}

func (s *fakeStore) ListIdentityProviders(ctx context.Context) ([]*IdentityProvider, error) {
	return s.providers, s.err
}

type fakeClient struct {
	authorizeURL string
	token        *TokenResult
	exchangeErr  error
	endSession   string
}

func (c *fakeClient) BuildAuthorizeURL(state, codeVerifier string) string {
	return c.authorizeURL + "?state=" + state
}

func (c *fakeClient) ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenResult, error) {
	if c.exchangeErr != nil {
		return nil, c.exchangeErr
	}
	return c.token, nil
}

func (c *fakeClient) BuildEndSessionURL(hintParam, hintValue, postLogoutRedirectURI string) string {
	return c.endSession
}

type fakeDiscoverer struct {
	mu       sync.Mutex
	clients  map[string]Client
	failures map[string]int
	attempts map[string]int
}

func (d *fakeDiscoverer) Discover(ctx context.Context, provider *IdentityProvider, redirectURL string) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attempts == nil {
		d.attempts = make(map[string]int)
	}
	d.attempts[provider.ID]++
	if remaining := d.failures[provider.ID]; remaining > 0 {
		d.failures[provider.ID]--
		return nil, errors.New("connection refused")
	}
	client, ok := d.clients[provider.ID]
	if !ok {
		return nil, errors.New("unknown issuer")
	}
	return client, nil
}

type fakeProvisioner struct {
	user   *provision.User
	tenant *provision.Tenant
	err    error

	gotInfo    provision.UserInfo
	gotTenant  string
	gotIdP     string
	gotPartner string
}

func (p *fakeProvisioner) FindOrCreate(ctx context.Context, info provision.UserInfo, tenantCode, idpID, partnerID string) (*provision.User, *provision.Tenant, error) {
	p.gotInfo = info
	p.gotTenant = tenantCode
	p.gotIdP = idpID
	p.gotPartner = partnerID
	if p.err != nil {
		return nil, nil, p.err
	}
	return p.user, p.tenant, nil
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func testProvider(id string, partners ...string) *IdentityProvider {
	p := &IdentityProvider{
		ID:      id,
		HomeURL: "https://" + id + ".example.com",
		OIDC: OIDCConfig{
			IssuerURL:       "https://issuer." + id + ".example.com",
			ClientID:        "client-" + id,
			UserIDClaim:     "sub",
			TenantCodeClaim: "tenant",
		},
	}
	for _, partnerID := range partners {
		p.Partners = append(p.Partners, Partner{ID: partnerID, IdPID: id})
	}
	return p
}

func newTestRegistry(store Store, discoverer Discoverer, provisioner Provisioner) *Registry {
	r := NewRegistry(store, discoverer, provisioner, "https://hangar.example.com", RetryConfig{
		MaxRetries:     10,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     300 * time.Second,
	}, testLogger(), nil)
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return r
}

func TestRegistryBootstrap(t *testing.T) {
	t.Run("registers valid providers", func(t *testing.T) {
		store := &fakeStore{providers: []*IdentityProvider{
			testProvider("idp-1", "partner-a"),
			testProvider("idp-2", "partner-b"),
		}}
		discoverer := &fakeDiscoverer{clients: map[string]Client{
			"idp-1": &fakeClient{},
			"idp-2": &fakeClient{},
		}}

		registry := newTestRegistry(store, discoverer, &fakeProvisioner{})
		require.NoError(t, registry.Bootstrap(context.Background()))

		_, ok := registry.Strategy("idp-1")
		assert.True(t, ok)
		_, ok = registry.Strategy("idp-2")
		assert.True(t, ok)
		assert.Len(t, registry.Registered(), 2)
	})

	t.Run("skips multi-partner provider without partner claim", func(t *testing.T) {
		valid := testProvider("idp-ok", "partner-a")
		invalid := testProvider("idp-bad", "partner-b", "partner-c")

		store := &fakeStore{providers: []*IdentityProvider{valid, invalid}}
		discoverer := &fakeDiscoverer{clients: map[string]Client{
			"idp-ok":  &fakeClient{},
			"idp-bad": &fakeClient{},
		}}

		registry := newTestRegistry(store, discoverer, &fakeProvisioner{})
		require.NoError(t, registry.Bootstrap(context.Background()))

		_, ok := registry.Strategy("idp-ok")
		assert.True(t, ok)
		_, ok = registry.Strategy("idp-bad")
		assert.False(t, ok)

		// The skipped IdP was never dialed
		assert.Zero(t, discoverer.attempts["idp-bad"])
	})

	t.Run("multi-partner provider with partner claim registers", func(t *testing.T) {
		provider := testProvider("idp-multi", "partner-a", "partner-b")
		provider.OIDC.PartnerClaim = "session.partnerCode"

		store := &fakeStore{providers: []*IdentityProvider{provider}}
		discoverer := &fakeDiscoverer{clients: map[string]Client{"idp-multi": &fakeClient{}}}

		registry := newTestRegistry(store, discoverer, &fakeProvisioner{})
		require.NoError(t, registry.Bootstrap(context.Background()))

		_, ok := registry.Strategy("idp-multi")
		assert.True(t, ok)
	})

	t.Run("retries discovery with doubling backoff", func(t *testing.T) {
		provider := testProvider("idp-flaky", "partner-a")
		store := &fakeStore{providers: []*IdentityProvider{provider}}
		discoverer := &fakeDiscoverer{
			clients:  map[string]Client{"idp-flaky": &fakeClient{}},
			failures: map[string]int{"idp-flaky": 3},
		}

		registry := newTestRegistry(store, discoverer, &fakeProvisioner{})
		var backoffs []time.Duration
		registry.sleep = func(ctx context.Context, d time.Duration) error {
			backoffs = append(backoffs, d)
			return nil
		}

		require.NoError(t, registry.Bootstrap(context.Background()))

		_, ok := registry.Strategy("idp-flaky")
		assert.True(t, ok)
		assert.Equal(t, 4, discoverer.attempts["idp-flaky"])
		assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}, backoffs)
	})

	t.Run("discovery failure disables only that provider", func(t *testing.T) {
		store := &fakeStore{providers: []*IdentityProvider{
			testProvider("idp-up", "partner-a"),
			testProvider("idp-down", "partner-b"),
		}}
		discoverer := &fakeDiscoverer{
			clients:  map[string]Client{"idp-up": &fakeClient{}},
			failures: map[string]int{"idp-down": 100},
		}

		registry := newTestRegistry(store, discoverer, &fakeProvisioner{})
		require.NoError(t, registry.Bootstrap(context.Background()))

		_, ok := registry.Strategy("idp-up")
		assert.True(t, ok)
		_, ok = registry.Strategy("idp-down")
		assert.False(t, ok)

		// Immediate attempt plus the configured retries, then it gave up
		assert.Equal(t, 11, discoverer.attempts["idp-down"])
	})

	t.Run("backoff caps at the configured maximum", func(t *testing.T) {
		provider := testProvider("idp-slow", "partner-a")
		store := &fakeStore{providers: []*IdentityProvider{provider}}
		discoverer := &fakeDiscoverer{failures: map[string]int{"idp-slow": 100}}

		registry := NewRegistry(store, discoverer, &fakeProvisioner{}, "https://hangar.example.com", RetryConfig{
			MaxRetries:     10,
			InitialBackoff: 64 * time.Second,
			MaxBackoff:     300 * time.Second,
		}, testLogger(), nil)

		var backoffs []time.Duration
		registry.sleep = func(ctx context.Context, d time.Duration) error {
			backoffs = append(backoffs, d)
			return nil
		}

		require.NoError(t, registry.Bootstrap(context.Background()))

		require.Len(t, backoffs, 10)
		assert.Equal(t, 64*time.Second, backoffs[0])
		assert.Equal(t, 128*time.Second, backoffs[1])
		assert.Equal(t, 256*time.Second, backoffs[2])
		for _, d := range backoffs[3:] {
			assert.Equal(t, 300*time.Second, d)
		}
	})

	t.Run("skip counting is exact with many invalid and failing providers", func(t *testing.T) {
		// Interleaves misconfigured providers, skipped on the bootstrap
		// goroutine, with providers whose discovery fails immediately on
		// worker goroutines
		var providers []*IdentityProvider
		for i := 0; i < 100; i++ {
			providers = append(providers, testProvider(fmt.Sprintf("idp-bad-%d", i), "partner-a", "partner-b"))
			providers = append(providers, testProvider(fmt.Sprintf("idp-down-%d", i), "partner-a"))
		}
		store := &fakeStore{providers: providers}
		discoverer := &fakeDiscoverer{}
		metrics := observability.NewMetrics(prometheus.NewRegistry())

		registry := NewRegistry(store, discoverer, &fakeProvisioner{}, "https://hangar.example.com", RetryConfig{
			MaxRetries:     0,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		}, testLogger(), metrics)
		registry.sleep = func(ctx context.Context, d time.Duration) error { return nil }

		require.NoError(t, registry.Bootstrap(context.Background()))

		assert.Empty(t, registry.Registered())
		assert.Equal(t, float64(200), testutil.ToFloat64(metrics.IdPsSkipped))
		assert.Equal(t, float64(0), testutil.ToFloat64(metrics.IdPsRegistered))
	})

	t.Run("store failure aborts bootstrap", func(t *testing.T) {
		store := &fakeStore{err: errors.New("db offline")}
		registry := newTestRegistry(store, &fakeDiscoverer{}, &fakeProvisioner{})
		assert.Error(t, registry.Bootstrap(context.Background()))
	})
}

func TestRegistryForOrigin(t *testing.T) {
	store := &fakeStore{providers: []*IdentityProvider{
		testProvider("idp-1", "partner-a"),
	}}
	discoverer := &fakeDiscoverer{clients: map[string]Client{"idp-1": &fakeClient{}}}

	registry := newTestRegistry(store, discoverer, &fakeProvisioner{})
	require.NoError(t, registry.Bootstrap(context.Background()))

	strategy, ok := registry.ForOrigin("https://idp-1.example.com/some/page")
	require.True(t, ok)
	assert.Equal(t, "idp-1", strategy.IdP.ID)

	_, ok = registry.ForOrigin("https://unknown.example.com")
	assert.False(t, ok)

	// Scheme must match too
	_, ok = registry.ForOrigin("http://idp-1.example.com")
	assert.False(t, ok)
}

func TestRegistryBeginLogin(t *testing.T) {
	provider := testProvider("idp-1", "partner-a")
	provider.OIDC.UsePKCE = true

	store := &fakeStore{providers: []*IdentityProvider{provider}}
	discoverer := &fakeDiscoverer{clients: map[string]Client{
		"idp-1": &fakeClient{authorizeURL: "https://issuer.idp-1.example.com/authorize"},
	}}

	registry := newTestRegistry(store, discoverer, &fakeProvisioner{})
	require.NoError(t, registry.Bootstrap(context.Background()))

	authURL, verifier, idpID, err := registry.BeginLogin("https://idp-1.example.com", "state-123")
	require.NoError(t, err)
	assert.Equal(t, "idp-1", idpID)
	assert.NotEmpty(t, verifier)
	assert.Contains(t, authURL, "state=state-123")

	_, _, _, err = registry.BeginLogin("https://unknown.example.com", "state-123")
	assert.ErrorIs(t, err, ErrNoIdPForOrigin)
}

func TestRegistryCompleteLogin(t *testing.T) {
	newRegistryWithToken := func(provider *IdentityProvider, token *TokenResult, provisioner *fakeProvisioner) *Registry {
		store := &fakeStore{providers: []*IdentityProvider{provider}}
		discoverer := &fakeDiscoverer{clients: map[string]Client{
			provider.ID: &fakeClient{token: token},
		}}
		registry := newTestRegistry(store, discoverer, provisioner)
		require.NoError(t, registry.Bootstrap(context.Background()))
		return registry
	}

	t.Run("end to end with nested partner claim", func(t *testing.T) {
		provider := testProvider("idp-1", "partner-a", "partner-c")
		provider.OIDC.PartnerClaim = "session.partnerCode"

		token := &TokenResult{
			IDTokenClaims: map[string]interface{}{
				"sub":    "ext-42",
				"tenant": "new-a",
				"sid":    "idp-session-9",
				"session": map[string]interface{}{
					"partnerCode": "partner-a",
				},
			},
			UserinfoClaims: map[string]interface{}{
				"email":       "dev@example.com",
				"given_name":  "Dev",
				"family_name": "Eloper",
			},
			RawIDToken: "raw.jwt.token",
		}
		provisioner := &fakeProvisioner{
			user: &provision.User{
				ID:         7,
				IdPID:      "idp-1",
				ExternalID: "ext-42",
				Email:      "dev@example.com",
				GivenName:  "Dev",
				FamilyName: "Eloper",
			},
			tenant: &provision.Tenant{ID: 3, Code: "new-a", PartnerID: "partner-a"},
		}

		registry := newRegistryWithToken(provider, token, provisioner)

		payload, err := registry.CompleteLogin(context.Background(), "idp-1", "code-1", "")
		require.NoError(t, err)

		assert.Equal(t, int64(7), payload.User.ID)
		assert.Equal(t, "idp-1", payload.User.IdPID)
		assert.Equal(t, "new-a", payload.Tenant.Code)
		assert.Equal(t, "partner-a", payload.Tenant.PartnerID)
		assert.Equal(t, "idp-session-9", payload.IdPSessionID)
		assert.Equal(t, "raw.jwt.token", payload.IDToken)

		assert.Equal(t, "ext-42", provisioner.gotInfo.ExternalID)
		assert.Equal(t, "new-a", provisioner.gotTenant)
		assert.Equal(t, "idp-1", provisioner.gotIdP)
		assert.Equal(t, "partner-a", provisioner.gotPartner)
	})

	t.Run("embedded claims expand before extraction", func(t *testing.T) {
		provider := testProvider("idp-1", "partner-a")
		provider.OIDC.EmbeddedClaimsClaim = "ext_attrs"

		token := &TokenResult{
			IDTokenClaims: map[string]interface{}{
				"sub":       "ext-42",
				"ext_attrs": `{"tenant":"acme"}`,
			},
			RawIDToken: "raw.jwt.token",
		}
		provisioner := &fakeProvisioner{
			user:   &provision.User{ID: 1, IdPID: "idp-1"},
			tenant: &provision.Tenant{Code: "acme", PartnerID: "partner-a"},
		}

		registry := newRegistryWithToken(provider, token, provisioner)

		payload, err := registry.CompleteLogin(context.Background(), "idp-1", "code-1", "")
		require.NoError(t, err)
		assert.Equal(t, "acme", payload.Tenant.Code)
		assert.Equal(t, "acme", provisioner.gotTenant)
	})

	t.Run("all pipeline failures collapse to ErrLoginFailed", func(t *testing.T) {
		tests := []struct {
			name   string
			mutate func(provider *IdentityProvider, token *TokenResult, provisioner *fakeProvisioner)
		}{
			{
				name: "missing user id claim",
				mutate: func(_ *IdentityProvider, token *TokenResult, _ *fakeProvisioner) {
					delete(token.IDTokenClaims, "sub")
				},
			},
			{
				name: "missing tenant claim",
				mutate: func(_ *IdentityProvider, token *TokenResult, _ *fakeProvisioner) {
					delete(token.IDTokenClaims, "tenant")
				},
			},
			{
				name: "role denied",
				mutate: func(provider *IdentityProvider, token *TokenResult, _ *fakeProvisioner) {
					provider.OIDC.RequireRole = true
					provider.OIDC.RolesClaim = "roles"
					provider.OIDC.RequiredRoles = []string{"Admin"}
					token.IDTokenClaims["roles"] = []interface{}{"Viewer"}
				},
			},
			{
				name: "embedded claims malformed",
				mutate: func(provider *IdentityProvider, token *TokenResult, _ *fakeProvisioner) {
					provider.OIDC.EmbeddedClaimsClaim = "ext_attrs"
					token.IDTokenClaims["ext_attrs"] = `[1,2,3]`
				},
			},
			{
				name: "provisioning failure",
				mutate: func(_ *IdentityProvider, _ *TokenResult, provisioner *fakeProvisioner) {
					provisioner.err = errors.New("db offline")
				},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				provider := testProvider("idp-1", "partner-a")
				token := &TokenResult{
					IDTokenClaims: map[string]interface{}{
						"sub":    "ext-42",
						"tenant": "acme",
					},
					RawIDToken: "raw.jwt.token",
				}
				provisioner := &fakeProvisioner{
					user:   &provision.User{ID: 1, IdPID: "idp-1"},
					tenant: &provision.Tenant{Code: "acme", PartnerID: "partner-a"},
				}
				tt.mutate(provider, token, provisioner)

				registry := newRegistryWithToken(provider, token, provisioner)

				payload, err := registry.CompleteLogin(context.Background(), "idp-1", "code-1", "")
				assert.Nil(t, payload)
				assert.ErrorIs(t, err, ErrLoginFailed)
			})
		}
	})

	t.Run("exchange failure is opaque", func(t *testing.T) {
		provider := testProvider("idp-1", "partner-a")
		store := &fakeStore{providers: []*IdentityProvider{provider}}
		discoverer := &fakeDiscoverer{clients: map[string]Client{
			"idp-1": &fakeClient{exchangeErr: errors.New("invalid_grant")},
		}}
		registry := newTestRegistry(store, discoverer, &fakeProvisioner{})
		require.NoError(t, registry.Bootstrap(context.Background()))

		_, err := registry.CompleteLogin(context.Background(), "idp-1", "bad-code", "")
		assert.ErrorIs(t, err, ErrLoginFailed)
	})

	t.Run("unknown idp is opaque", func(t *testing.T) {
		registry := newTestRegistry(&fakeStore{}, &fakeDiscoverer{}, &fakeProvisioner{})
		require.NoError(t, registry.Bootstrap(context.Background()))

		_, err := registry.CompleteLogin(context.Background(), "idp-ghost", "code", "")
		assert.ErrorIs(t, err, ErrLoginFailed)
	})
}
