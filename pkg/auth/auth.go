// Package auth provides layer-scoped authorization for StrataDB.
//
// Principals are named callers carried in the request context. A Policy
// assigns them roles, either globally or on individual layers, and roles
// grant permissions. Reads require PermRead on every layer of the query's
// layer set; appends require PermWrite on the target layer; catalog changes
// (layers, predicates) require PermSchema globally.
//
// Architecture:
//   - Role-based access control (RBAC) with 4 roles: admin, editor, viewer, none
//   - Grants are global or bound to layer names
//   - Principals without any grant fall back to the policy's default role
//   - Denials are counted and reported to an optional audit callback
//
// Authentication is not part of this package: whoever builds the context
// vouches for the principal.
//
// Example Usage:
//
//	policy := auth.NewPolicy(auth.PolicyConfig{Enabled: true, DefaultRole: auth.RoleViewer})
//	_ = policy.Grant("ingest-bot", auth.RoleEditor, "discovery")
//	_ = policy.Grant("alice", auth.RoleAdmin)
//
//	policy.SetAuditLogger(func(event auth.DenialEvent) {
//		log.Printf("[AUDIT] %s denied %s on %q", event.Principal, event.Permission, event.Layer)
//	})
//
//	ctx := auth.WithPrincipal(context.Background(), auth.Principal{Name: "ingest-bot"})
//	reader := auth.NewAuthorizedReader(engine, policy)
//	view, err := reader.GetMergedCI(ctx, tx, "host-1", q) // ErrForbidden if a layer is unreadable
package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/pkg/errors"
)

// Errors for authorization operations.
var (
	ErrForbidden   = errors.New("forbidden")
	ErrInvalidRole = errors.New("invalid role")
)

// Role represents a role with associated permissions.
type Role string

// Predefined roles.
const (
	RoleAdmin  Role = "admin"  // Full access including layer and predicate management
	RoleEditor Role = "editor" // Read/write facts
	RoleViewer Role = "viewer" // Read only (default)
	RoleNone   Role = "none"   // No access
)

// Permission represents an action that can be performed.
type Permission string

// Permissions.
const (
	PermRead   Permission = "read"
	PermWrite  Permission = "write"
	PermCreate Permission = "create"
	PermDelete Permission = "delete"
	PermAdmin  Permission = "admin"
	PermSchema Permission = "schema"
)

// RolePermissions maps roles to their allowed permissions.
var RolePermissions = map[Role][]Permission{
	RoleAdmin:  {PermRead, PermWrite, PermCreate, PermDelete, PermAdmin, PermSchema},
	RoleEditor: {PermRead, PermWrite, PermCreate, PermDelete},
	RoleViewer: {PermRead},
	RoleNone:   {},
}

// RoleHasPermission reports whether role grants perm.
func RoleHasPermission(role Role, perm Permission) bool {
	for _, p := range RolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// Principal is the caller a request acts for.
type Principal struct {
	Name string
}

// Anonymous is the principal of contexts that carry none.
var Anonymous = Principal{Name: "anonymous"}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the context's principal, or Anonymous.
func PrincipalFrom(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok && p.Name != "" {
		return p
	}
	return Anonymous
}

// Grant binds a role to a principal, globally when Layers is empty.
type Grant struct {
	Principal string   `yaml:"principal" validate:"required"`
	Role      Role     `yaml:"role" validate:"required,oneof=admin editor viewer none"`
	Layers    []string `yaml:"layers"`
}

// PolicyConfig configures a Policy.
type PolicyConfig struct {
	// Enabled turns enforcement on. A disabled policy allows everything.
	Enabled bool

	// DefaultRole applies to principals without any grant.
	DefaultRole Role

	// Grants are applied in order by NewPolicy.
	Grants []Grant
}

// DenialEvent describes a rejected request, for compliance logging.
type DenialEvent struct {
	Timestamp  time.Time  `json:"timestamp"`
	Principal  string     `json:"principal"`
	Permission Permission `json:"permission"`
	Layer      string     `json:"layer,omitempty"`
}

// Policy decides which principal may do what on which layer.
//
// Layer grants are keyed by layer name, so a policy can be configured before
// the layers it names exist. Roles from global grants and from grants on the
// layer in question are combined.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type Policy struct {
	mu          sync.RWMutex
	enabled     bool
	defaultRole Role
	global      map[string][]Role
	layers      map[string]map[string][]Role

	// Callback for compliance logging of denials
	auditLog func(event DenialEvent)
	now      func() time.Time
}

// NewPolicy creates a policy. Invalid grants in cfg are skipped; use Grant
// directly to see the error.
func NewPolicy(cfg PolicyConfig) *Policy {
	if !ValidRole(cfg.DefaultRole) {
		cfg.DefaultRole = RoleViewer
	}
	p := &Policy{
		enabled:     cfg.Enabled,
		defaultRole: cfg.DefaultRole,
		global:      make(map[string][]Role),
		layers:      make(map[string]map[string][]Role),
		now:         time.Now,
	}
	for _, g := range cfg.Grants {
		_ = p.Grant(g.Principal, g.Role, g.Layers...)
	}
	return p
}

// AllowAll returns a disabled policy.
func AllowAll() *Policy {
	return NewPolicy(PolicyConfig{})
}

// Enabled reports whether the policy enforces anything.
func (p *Policy) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// SetAuditLogger sets the denial logging callback.
func (p *Policy) SetAuditLogger(fn func(DenialEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.auditLog = fn
}

// Grant gives principal a role on the named layers, or globally when no
// layer is named.
func (p *Policy) Grant(principal string, role Role, layers ...string) error {
	if principal == "" {
		return errors.Wrap(ErrInvalidRole, "empty principal")
	}
	if !ValidRole(role) {
		return errors.Wrapf(ErrInvalidRole, "%q", role)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(layers) == 0 {
		p.global[principal] = appendRole(p.global[principal], role)
		return nil
	}
	for _, name := range layers {
		byPrincipal := p.layers[name]
		if byPrincipal == nil {
			byPrincipal = make(map[string][]Role)
			p.layers[name] = byPrincipal
		}
		byPrincipal[principal] = appendRole(byPrincipal[principal], role)
	}
	return nil
}

// Revoke removes every grant of principal on the named layers, or its global
// grants when no layer is named.
func (p *Policy) Revoke(principal string, layers ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(layers) == 0 {
		delete(p.global, principal)
		return
	}
	for _, name := range layers {
		delete(p.layers[name], principal)
	}
}

// RolesFor returns the roles principal holds on layer. An empty layer name
// asks for global roles only.
func (p *Policy) RolesFor(principal, layer string) []Role {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rolesFor(principal, layer)
}

func (p *Policy) rolesFor(principal, layer string) []Role {
	roles := append([]Role(nil), p.global[principal]...)
	if layer != "" {
		for _, r := range p.layers[layer][principal] {
			roles = appendRole(roles, r)
		}
	}
	if len(roles) == 0 && !p.hasAnyGrant(principal) {
		roles = []Role{p.defaultRole}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

func (p *Policy) hasAnyGrant(principal string) bool {
	if len(p.global[principal]) > 0 {
		return true
	}
	for _, byPrincipal := range p.layers {
		if len(byPrincipal[principal]) > 0 {
			return true
		}
	}
	return false
}

// Allowed reports whether principal holds perm on layer.
func (p *Policy) Allowed(principal, layer string, perm Permission) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.enabled {
		return true
	}
	for _, r := range p.rolesFor(principal, layer) {
		if RoleHasPermission(r, perm) {
			return true
		}
	}
	return false
}

// CheckRead requires PermRead on every listed layer.
func (p *Policy) CheckRead(ctx context.Context, tx *storage.Tx, layers []storage.LayerID) error {
	if !p.Enabled() {
		return nil
	}
	principal := PrincipalFrom(ctx)
	for _, id := range layers {
		if err := p.checkLayer(tx, principal, id, PermRead); err != nil {
			return err
		}
	}
	return nil
}

// CheckWrite requires PermWrite on layer.
func (p *Policy) CheckWrite(ctx context.Context, tx *storage.Tx, layer storage.LayerID) error {
	if !p.Enabled() {
		return nil
	}
	return p.checkLayer(tx, PrincipalFrom(ctx), layer, PermWrite)
}

// CheckDelete requires PermDelete on layer. Removals and bulk
// replacements need it in addition to PermWrite.
func (p *Policy) CheckDelete(ctx context.Context, tx *storage.Tx, layer storage.LayerID) error {
	if !p.Enabled() {
		return nil
	}
	return p.checkLayer(tx, PrincipalFrom(ctx), layer, PermDelete)
}

// Check requires perm from global grants.
func (p *Policy) Check(ctx context.Context, perm Permission) error {
	principal := PrincipalFrom(ctx)
	if p.Allowed(principal.Name, "", perm) {
		return nil
	}
	return p.deny(principal, perm, "")
}

func (p *Policy) checkLayer(tx *storage.Tx, principal Principal, id storage.LayerID, perm Permission) error {
	l, err := tx.GetLayer(id)
	if err != nil {
		return err
	}
	if p.Allowed(principal.Name, l.Name, perm) {
		return nil
	}
	return p.deny(principal, perm, l.Name)
}

func (p *Policy) deny(principal Principal, perm Permission, layer string) error {
	deniedTotal.WithLabelValues(string(perm)).Inc()

	p.mu.RLock()
	fn := p.auditLog
	p.mu.RUnlock()
	if fn != nil {
		fn(DenialEvent{
			Timestamp:  p.now(),
			Principal:  principal.Name,
			Permission: perm,
			Layer:      layer,
		})
	}

	if layer == "" {
		return errors.Wrapf(ErrForbidden, "%s lacks %s permission", principal.Name, perm)
	}
	return errors.Wrapf(ErrForbidden, "%s lacks %s permission on layer %q", principal.Name, perm, layer)
}

func appendRole(roles []Role, r Role) []Role {
	for _, existing := range roles {
		if existing == r {
			return roles
		}
	}
	return append(roles, r)
}

// ValidRole checks if a role is valid.
func ValidRole(r Role) bool {
	switch r {
	case RoleAdmin, RoleEditor, RoleViewer, RoleNone:
		return true
	default:
		return false
	}
}

// RoleFromString converts a string to a Role.
func RoleFromString(s string) (Role, error) {
	r := Role(s)
	if !ValidRole(r) {
		return RoleNone, errors.Wrapf(ErrInvalidRole, "%q", s)
	}
	return r, nil
}
