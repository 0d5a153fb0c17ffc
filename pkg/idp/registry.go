package idp

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/hangarhq/hangar/pkg/observability"
	"github.com/hangarhq/hangar/pkg/provision"
	"github.com/hangarhq/hangar/pkg/session"
)

// Login attempt states, for server-side logging only
const (
	stateStarted              = "STARTED"
	stateClaimsMerged         = "CLAIMS_MERGED"
	stateEmbeddedClaimsParsed = "EMBEDDED_CLAIMS_PARSED"
	stateRoleChecked          = "ROLE_CHECKED"
	statePartnerResolved      = "PARTNER_RESOLVED"
	stateProvisioned          = "PROVISIONED"
	stateEstablished          = "ESTABLISHED"
)

// Strategy is one registered identity provider with its discovered client
type Strategy struct {
	IdP    *IdentityProvider
	Client Client
}

// Provisioner is the JIT user/tenant provisioning capability consumed by the
// login pipeline
type Provisioner interface {
	FindOrCreate(ctx context.Context, info provision.UserInfo, tenantCode, idpID, partnerID string) (*provision.User, *provision.Tenant, error)
}

// RetryConfig controls issuer discovery retries
type RetryConfig struct {
	// MaxRetries is the number of retries after the immediate first attempt
	MaxRetries int
	// InitialBackoff is the delay before the first retry; it doubles on each
	// subsequent retry
	InitialBackoff time.Duration
	// MaxBackoff caps the doubling backoff
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the production discovery retry settings
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     10,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     300 * time.Second,
	}
}

// Registry discovers configured identity providers at boot and registers a
// login strategy per IdP. The registered set is an immutable snapshot behind
// an atomic pointer: re-bootstrapping builds a whole new snapshot and swaps
// it, entries are never mutated in place while requests may be reading.
type Registry struct {
	store           Store
	discoverer      Discoverer
	provisioner     Provisioner
	roleValidator   *RoleValidator
	partnerResolver *PartnerResolver
	baseURL         string
	retry           RetryConfig
	logger          *observability.Logger
	metrics         *observability.Metrics

	snapshot atomic.Pointer[map[string]Strategy]

	// sleep is swapped in tests to avoid real backoff waits
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRegistry creates a new identity provider registry. baseURL is the
// externally visible origin of this service, used to build callback URLs.
func NewRegistry(store Store, discoverer Discoverer, provisioner Provisioner, baseURL string, retry RetryConfig, logger *observability.Logger, metrics *observability.Metrics) *Registry {
	r := &Registry{
		store:           store,
		discoverer:      discoverer,
		provisioner:     provisioner,
		roleValidator:   NewRoleValidator(),
		partnerResolver: NewPartnerResolver(),
		baseURL:         strings.TrimRight(baseURL, "/"),
		retry:           retry,
		logger:          logger,
		metrics:         metrics,
		sleep:           sleepContext,
	}
	empty := map[string]Strategy{}
	r.snapshot.Store(&empty)
	return r
}

// Bootstrap loads all identity providers, validates them, discovers their
// issuers concurrently, and atomically installs the resulting strategy
// snapshot. A failure for one IdP disables that IdP only; Bootstrap returns
// an error only when the store itself cannot be read.
func (r *Registry) Bootstrap(ctx context.Context) error {
	providers, err := r.store.ListIdentityProviders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load identity providers: %w", err)
	}

	var (
		mu           sync.Mutex
		strategies   = make(map[string]Strategy, len(providers))
		undiscovered int
	)

	// Validation skips happen on this goroutine only; discovery failures are
	// counted under mu and summed after the group finishes
	invalid := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, provider := range providers {
		if err := validateRegistration(provider); err != nil {
			r.logger.WithError(err).WithFields(map[string]interface{}{
				"idp_id":           provider.ID,
				"blocked_partners": provider.PartnerIDs(),
			}).Error("Skipping misconfigured identity provider, logins disabled for its partners")
			invalid++
			continue
		}

		provider := provider
		g.Go(func() error {
			client, err := r.discoverWithRetry(gctx, provider)
			if err != nil {
				r.logger.WithError(err).WithField("idp_id", provider.ID).
					Error("Issuer discovery exhausted retries, identity provider not registered")
				mu.Lock()
				undiscovered++
				mu.Unlock()
				// Per-IdP discovery failure never aborts bootstrap
				return nil
			}

			mu.Lock()
			strategies[provider.ID] = Strategy{IdP: provider, Client: client}
			mu.Unlock()

			r.logger.WithFields(map[string]interface{}{
				"idp_id":   provider.ID,
				"issuer":   provider.OIDC.IssuerURL,
				"partners": provider.PartnerIDs(),
			}).Info("Registered identity provider")
			return nil
		})
	}
	g.Wait()

	skipped := invalid + undiscovered

	r.snapshot.Store(&strategies)

	if r.metrics != nil {
		r.metrics.IdPsRegistered.Set(float64(len(strategies)))
		r.metrics.IdPsSkipped.Set(float64(skipped))
	}

	r.logger.WithFields(map[string]interface{}{
		"registered": len(strategies),
		"skipped":    skipped,
	}).Info("Identity provider bootstrap complete")

	return nil
}

// validateRegistration enforces the registration-time invariants for one IdP
func validateRegistration(provider *IdentityProvider) error {
	if provider.OIDC.IssuerURL == "" || provider.OIDC.ClientID == "" {
		return fmt.Errorf("issuer_url and client_id are required: %w", ErrConfiguration)
	}
	if provider.OIDC.UserIDClaim == "" || provider.OIDC.TenantCodeClaim == "" {
		return fmt.Errorf("user_id_claim and tenant_code_claim are required: %w", ErrConfiguration)
	}
	if len(provider.Partners) == 0 {
		return fmt.Errorf("identity provider has no partners: %w", ErrConfiguration)
	}
	if len(provider.Partners) > 1 && provider.OIDC.PartnerClaim == "" {
		return fmt.Errorf("multi-partner identity provider requires a partner claim: %w", ErrConfiguration)
	}
	return nil
}

// discoverWithRetry attempts issuer discovery immediately, then retries with
// doubling backoff up to the configured cap and retry count
func (r *Registry) discoverWithRetry(ctx context.Context, provider *IdentityProvider) (Client, error) {
	redirectURL := r.CallbackURL(provider.ID)

	client, err := r.discoverer.Discover(ctx, provider, redirectURL)
	if err == nil {
		return client, nil
	}

	backoff := r.retry.InitialBackoff
	for attempt := 1; attempt <= r.retry.MaxRetries; attempt++ {
		r.logger.WithError(err).WithFields(map[string]interface{}{
			"idp_id":  provider.ID,
			"attempt": attempt,
			"backoff": backoff.String(),
		}).Warn("Issuer discovery failed, retrying")
		if r.metrics != nil {
			r.metrics.DiscoveryRetries.WithLabelValues(provider.ID).Inc()
		}

		if err := r.sleep(ctx, backoff); err != nil {
			return nil, err
		}

		client, err = r.discoverer.Discover(ctx, provider, redirectURL)
		if err == nil {
			return client, nil
		}

		backoff *= 2
		if backoff > r.retry.MaxBackoff {
			backoff = r.retry.MaxBackoff
		}
	}

	return nil, err
}

// Strategy returns the registered strategy for the given IdP id
func (r *Registry) Strategy(idpID string) (Strategy, bool) {
	strategies := *r.snapshot.Load()
	strategy, ok := strategies[idpID]
	return strategy, ok
}

// ForOrigin returns the strategy whose IdP home URL matches the given origin
func (r *Registry) ForOrigin(originURL string) (Strategy, bool) {
	origin, err := url.Parse(originURL)
	if err != nil {
		return Strategy{}, false
	}

	strategies := *r.snapshot.Load()
	for _, strategy := range strategies {
		home, err := url.Parse(strategy.IdP.HomeURL)
		if err != nil {
			continue
		}
		if home.Scheme == origin.Scheme && home.Host == origin.Host {
			return strategy, true
		}
	}
	return Strategy{}, false
}

// Registered returns the ids of all registered identity providers
func (r *Registry) Registered() []string {
	strategies := *r.snapshot.Load()
	ids := make([]string, 0, len(strategies))
	for id := range strategies {
		ids = append(ids, id)
	}
	return ids
}

// CallbackURL returns the login callback URL for the given IdP
func (r *Registry) CallbackURL(idpID string) string {
	return r.baseURL + "/auth/callback/" + idpID
}

// BeginLogin resolves the IdP for the requesting origin and builds the
// authorization redirect. The returned verifier is the PKCE code verifier to
// stash for the callback, empty when PKCE is disabled for the IdP.
func (r *Registry) BeginLogin(originURL, state string) (authURL, verifier, idpID string, err error) {
	strategy, ok := r.ForOrigin(originURL)
	if !ok {
		return "", "", "", fmt.Errorf("origin %q: %w", originURL, ErrNoIdPForOrigin)
	}

	if strategy.IdP.OIDC.UsePKCE {
		verifier = oauth2.GenerateVerifier()
	}

	return strategy.Client.BuildAuthorizeURL(state, verifier), verifier, strategy.IdP.ID, nil
}

// CompleteLogin runs the full login pipeline for one authentication attempt:
// code exchange, claim merge, embedded-claims expansion, role check, partner
// resolution, identity extraction, and JIT provisioning. Every failure
// collapses to the opaque ErrLoginFailed; the real cause and the state the
// attempt reached are logged server-side only.
func (r *Registry) CompleteLogin(ctx context.Context, idpID, code, codeVerifier string) (*session.Payload, error) {
	strategy, ok := r.Strategy(idpID)
	if !ok {
		return nil, r.failLogin(idpID, stateStarted, ErrIdPNotRegistered)
	}
	config := strategy.IdP.OIDC

	token, err := strategy.Client.ExchangeCode(ctx, code, codeVerifier)
	if err != nil {
		return nil, r.failLogin(idpID, stateStarted, err)
	}

	claims := MergeClaims(token.IDTokenClaims, token.UserinfoClaims)
	state := stateClaimsMerged

	if config.EmbeddedClaimsClaim != "" {
		claims, err = ExpandEmbeddedClaims(claims, config.EmbeddedClaimsClaim)
		if err != nil {
			return nil, r.failLogin(idpID, state, err)
		}
		state = stateEmbeddedClaimsParsed
	}

	roles, err := r.roleValidator.Validate(claims, config)
	if err != nil {
		return nil, r.failLogin(idpID, state, err)
	}
	state = stateRoleChecked

	partnerID, err := r.partnerResolver.Resolve(claims, strategy.IdP)
	if err != nil {
		return nil, r.failLogin(idpID, state, err)
	}
	state = statePartnerResolved

	externalID, err := ExtractString(claims, config.UserIDClaim)
	if err != nil {
		return nil, r.failLogin(idpID, state, err)
	}
	tenantCode, err := ExtractString(claims, config.TenantCodeClaim)
	if err != nil {
		return nil, r.failLogin(idpID, state, err)
	}

	info := provision.UserInfo{
		ExternalID: externalID,
		Email:      ExtractOptionalString(claims, "email"),
		GivenName:  ExtractOptionalString(claims, "given_name"),
		FamilyName: ExtractOptionalString(claims, "family_name"),
	}

	user, tenant, err := r.provisioner.FindOrCreate(ctx, info, tenantCode, idpID, partnerID)
	if err != nil {
		return nil, r.failLogin(idpID, state, err)
	}
	state = stateProvisioned

	payload := &session.Payload{
		User: session.User{
			ID:         user.ID,
			IdPID:      user.IdPID,
			Email:      user.Email,
			GivenName:  user.GivenName,
			FamilyName: user.FamilyName,
		},
		Tenant: session.Tenant{
			Code:      tenant.Code,
			PartnerID: tenant.PartnerID,
		},
		IdPSessionID: ExtractOptionalString(claims, "sid"),
		IDToken:      token.RawIDToken,
		Roles:        roles,
	}
	state = stateEstablished

	if r.metrics != nil {
		r.metrics.LoginAttemptsTotal.WithLabelValues(idpID, "success").Inc()
	}
	r.logger.WithFields(map[string]interface{}{
		"idp_id":     idpID,
		"user_id":    user.ID,
		"partner_id": tenant.PartnerID,
		"state":      state,
	}).Info("Login established")

	return payload, nil
}

// failLogin logs the real failure cause and returns the single opaque login
// failure surfaced to callers
func (r *Registry) failLogin(idpID, state string, cause error) error {
	if r.metrics != nil {
		r.metrics.LoginAttemptsTotal.WithLabelValues(idpID, "failure").Inc()
		r.metrics.LoginFailuresTotal.WithLabelValues(idpID, state).Inc()
	}
	r.logger.WithError(cause).WithFields(map[string]interface{}{
		"idp_id": idpID,
		"state":  state,
	}).Warn("Login attempt failed")
	return ErrLoginFailed
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
