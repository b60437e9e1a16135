package realtime

import (
	"strings"

	"github.com/seguritech/centinela/internal/logging"
)

// CanonicalRole normalizes a free-text role label to the form used as
// the role-index key: lowercased and trimmed.
func CanonicalRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

// defaultAliases maps each canonical role to the spellings seen in the
// field. Role strings arrive as free text typed by operators, so this
// table is the minimum known set, not an exhaustive one; deployments
// extend it through configuration.
var defaultAliases = map[string][]string{
	"dispatcher":     {"despachador", "despacho"},
	"alarm_operator": {"operador", "operator"},
	"administrator":  {"admin", "administrador"},
	"supervisor":     {"motorizado", "supervisor_motorizado"},
	"director":       {"gerente", "manager"},
}

// MatchStage records which resolution step produced a non-empty role
// set, for observability.
type MatchStage int

const (
	MatchNone MatchStage = iota
	MatchExact
	MatchAlias
	MatchSubstring
)

func (s MatchStage) String() string {
	switch s {
	case MatchExact:
		return "exact"
	case MatchAlias:
		return "alias"
	case MatchSubstring:
		return "substring"
	default:
		return "none"
	}
}

// Resolver reconciles requested role names against the exact canonical
// strings held by the role index. The index itself stores no naming
// policy; every variant decision lives here.
type Resolver struct {
	// groups maps every known spelling to its full alias group,
	// canonical name included.
	groups map[string][]string
}

// NewResolver builds a resolver from the built-in alias table plus any
// deployment-specific extras (canonical role -> additional aliases).
func NewResolver(extra map[string][]string) *Resolver {
	merged := make(map[string][]string, len(defaultAliases)+len(extra))
	for canonical, aliases := range defaultAliases {
		merged[canonical] = append([]string{}, aliases...)
	}
	for canonical, aliases := range extra {
		c := CanonicalRole(canonical)
		merged[c] = append(merged[c], aliases...)
	}

	groups := make(map[string][]string)
	for canonical, aliases := range merged {
		group := make([]string, 0, len(aliases)+1)
		group = append(group, canonical)
		for _, a := range aliases {
			group = append(group, CanonicalRole(a))
		}
		for _, name := range group {
			groups[name] = group
		}
	}
	return &Resolver{groups: groups}
}

// Group returns every known spelling of the role requested, canonical
// form first. Unknown roles resolve to a group of themselves.
func (r *Resolver) Group(role string) []string {
	c := CanonicalRole(role)
	if g, ok := r.groups[c]; ok {
		return g
	}
	return []string{c}
}

// InGroup reports whether candidate belongs to the alias group of role.
func (r *Resolver) InGroup(role, candidate string) bool {
	c := CanonicalRole(candidate)
	for _, name := range r.Group(role) {
		if name == c {
			return true
		}
	}
	return false
}

// Resolve matches a requested role against the registered canonical
// roles, in order: exact match, alias-table match, substring match.
// The substring step is a last-resort heuristic and is logged as such.
// An empty result means the role-broadcast plan is empty and eligible
// for a global fallback.
func (r *Resolver) Resolve(requested string, registered []string) ([]string, MatchStage) {
	c := CanonicalRole(requested)

	for _, have := range registered {
		if have == c {
			return []string{have}, MatchExact
		}
	}

	var viaAlias []string
	for _, have := range registered {
		if r.InGroup(c, have) {
			viaAlias = append(viaAlias, have)
		}
	}
	if len(viaAlias) > 0 {
		return viaAlias, MatchAlias
	}

	var viaSubstring []string
	for _, have := range registered {
		if strings.Contains(have, c) || strings.Contains(c, have) {
			viaSubstring = append(viaSubstring, have)
		}
	}
	if len(viaSubstring) > 0 {
		logging.Warn().
			Str("requested", c).
			Strs("matched", viaSubstring).
			Msg("role resolved by substring heuristic")
		return viaSubstring, MatchSubstring
	}

	return nil, MatchNone
}
