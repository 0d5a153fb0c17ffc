package authz

import (
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hangarhq/hangar/pkg/observability"
	"github.com/hangarhq/hangar/pkg/session"
)

// Privilege keys understood by the default role table
const (
	PrivilegePartnerManage = "partner:manage"
	PrivilegePartnerRead   = "partner:read"
	PrivilegeTenantManage  = "tenant:manage"
	PrivilegeTenantRead    = "tenant:read"
	PrivilegeUserManage    = "user:manage"
	PrivilegeUserRead      = "user:read"
)

// RoleTable maps a role name to the set of privileges it grants
type RoleTable map[string][]string

// DefaultRoleTable returns the built-in role to privilege mapping
func DefaultRoleTable() RoleTable {
	return RoleTable{
		"PartnerAdmin": {
			PrivilegePartnerManage,
			PrivilegePartnerRead,
			PrivilegeTenantManage,
			PrivilegeTenantRead,
			PrivilegeUserManage,
			PrivilegeUserRead,
		},
		"PartnerViewer": {
			PrivilegePartnerRead,
			PrivilegeTenantRead,
			PrivilegeUserRead,
		},
		"TenantAdmin": {
			PrivilegeTenantManage,
			PrivilegeTenantRead,
			PrivilegeUserManage,
			PrivilegeUserRead,
		},
		"TenantUser": {
			PrivilegeTenantRead,
			PrivilegeUserRead,
		},
	}
}

type requirementKind int

const (
	kindNone requirementKind = iota
	kindAuthenticated
	kindPrivilege
)

// Requirement is the declared authorization requirement of one route
type Requirement struct {
	kind      requirementKind
	privilege string
}

// NoRequirement declares no check at all: the route is always allowed,
// authenticated or not
func NoRequirement() Requirement {
	return Requirement{kind: kindNone}
}

// AllowAuthenticated declares an explicit skip: any authenticated session
// passes, with no privilege check
func AllowAuthenticated() Requirement {
	return Requirement{kind: kindAuthenticated}
}

// RequirePrivilege declares that the session's derived privilege set must
// contain the given key
func RequirePrivilege(key string) Requirement {
	return Requirement{kind: kindPrivilege, privilege: key}
}

// Engine answers per-request privilege checks from session-held roles. The
// role table is fixed at construction; derived privilege sets are memoized
// per distinct role combination.
type Engine struct {
	table   RoleTable
	cache   *lru.Cache[string, map[string]struct{}]
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewEngine creates an authorization engine over the given role table. A nil
// table selects DefaultRoleTable.
func NewEngine(table RoleTable, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	if table == nil {
		table = DefaultRoleTable()
	}
	cache, err := lru.New[string, map[string]struct{}](256)
	if err != nil {
		// lru.New only fails on a non-positive size
		panic(err)
	}
	return &Engine{
		table:   table,
		cache:   cache,
		logger:  logger,
		metrics: metrics,
	}
}

// Authorize evaluates the declared requirement against the session. A nil
// payload is an unauthenticated request. Denials and errors fail closed.
func (e *Engine) Authorize(payload *session.Payload, req Requirement) bool {
	switch req.kind {
	case kindNone:
		return true
	case kindAuthenticated:
		if payload == nil {
			return e.record(false)
		}
		e.logger.WithField("user_id", payload.User.ID).
			Debug("Route allows any authenticated session, skipping privilege check")
		return e.record(true)
	case kindPrivilege:
		if payload == nil {
			return e.record(false)
		}
		privileges := e.privilegeSet(payload.Roles)
		_, ok := privileges[req.privilege]
		if !ok {
			e.logger.WithFields(map[string]interface{}{
				"user_id":   payload.User.ID,
				"privilege": req.privilege,
				"roles":     payload.Roles,
			}).Debug("Privilege not granted by session roles")
		}
		return e.record(ok)
	default:
		return e.record(false)
	}
}

// record counts one authorization check and passes the result through
func (e *Engine) record(allowed bool) bool {
	if e.metrics != nil {
		result := "allowed"
		if !allowed {
			result = "denied"
			e.metrics.AuthzDenialsTotal.Inc()
		}
		e.metrics.AuthzChecksTotal.WithLabelValues(result).Inc()
	}
	return allowed
}

// privilegeSet returns the union of privileges granted by the given roles
func (e *Engine) privilegeSet(roles []string) map[string]struct{} {
	key := cacheKey(roles)
	if cached, ok := e.cache.Get(key); ok {
		return cached
	}

	privileges := make(map[string]struct{})
	for _, role := range roles {
		for _, p := range e.table[role] {
			privileges[p] = struct{}{}
		}
	}
	e.cache.Add(key, privileges)
	return privileges
}

func cacheKey(roles []string) string {
	sorted := make([]string, len(roles))
	copy(sorted, roles)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x00")
}
