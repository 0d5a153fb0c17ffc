package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Login metrics
	LoginAttemptsTotal *prometheus.CounterVec
	LoginFailuresTotal *prometheus.CounterVec

	// Registry metrics
	IdPsRegistered     prometheus.Gauge
	IdPsSkipped        prometheus.Gauge
	DiscoveryRetries   *prometheus.CounterVec

	// Provisioning metrics
	ProvisionCreatesTotal   *prometheus.CounterVec
	ProvisionConflictsTotal prometheus.Counter

	// Authorization metrics
	AuthzChecksTotal  *prometheus.CounterVec
	AuthzDenialsTotal prometheus.Counter

	// Session metrics
	SessionsCreatedTotal   prometheus.Counter
	SessionsDestroyedTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		LoginAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hangar_login_attempts_total",
				Help: "Total number of login attempts by IdP and outcome",
			},
			[]string{"idp", "outcome"},
		),
		LoginFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hangar_login_failures_total",
				Help: "Total number of failed login attempts by IdP and failure stage",
			},
			[]string{"idp", "stage"},
		),
		IdPsRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hangar_idps_registered",
				Help: "Number of identity providers currently registered",
			},
		),
		IdPsSkipped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hangar_idps_skipped",
				Help: "Number of identity providers skipped during the last bootstrap",
			},
		),
		DiscoveryRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hangar_discovery_retries_total",
				Help: "Total number of issuer discovery retries by IdP",
			},
			[]string{"idp"},
		),
		ProvisionCreatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hangar_provision_creates_total",
				Help: "Total number of JIT-provisioned records by entity (user, tenant, membership)",
			},
			[]string{"entity"},
		),
		ProvisionConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hangar_provision_conflicts_total",
				Help: "Total number of unique-constraint conflicts resolved during provisioning",
			},
		),
		AuthzChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hangar_authz_checks_total",
				Help: "Total number of authorization checks by result",
			},
			[]string{"result"},
		),
		AuthzDenialsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hangar_authz_denials_total",
				Help: "Total number of denied authorization checks",
			},
		),
		SessionsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hangar_sessions_created_total",
				Help: "Total number of sessions established",
			},
		),
		SessionsDestroyedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hangar_sessions_destroyed_total",
				Help: "Total number of sessions destroyed",
			},
		),
	}

	registry.MustRegister(
		m.LoginAttemptsTotal,
		m.LoginFailuresTotal,
		m.IdPsRegistered,
		m.IdPsSkipped,
		m.DiscoveryRetries,
		m.ProvisionCreatesTotal,
		m.ProvisionConflictsTotal,
		m.AuthzChecksTotal,
		m.AuthzDenialsTotal,
		m.SessionsCreatedTotal,
		m.SessionsDestroyedTotal,
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
