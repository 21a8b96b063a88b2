package auth

import (
	"net/http"
	"path"
	"strings"
)

// Rule binds a method and path pattern to the roles allowed through it.
//
// Path is matched by segment: "/api/v1/accounts" covers the path itself and
// everything below it. A Path ending in "/" only covers descendants. Exact
// restricts the rule to the path itself. An empty Method matches any method.
type Rule struct {
	Method string
	Path   string
	Exact  bool
	Roles  []Role
	// MissingToken is the failure kind reported when the route is hit with no
	// bearer token. Zero means KindUnauthorized.
	MissingToken Kind
}

func (r Rule) matches(method, p string) bool {
	if r.Method != "" && r.Method != method {
		return false
	}
	if r.Exact {
		return p == r.Path
	}
	if strings.HasSuffix(r.Path, "/") {
		return strings.HasPrefix(p, r.Path)
	}
	return p == r.Path || strings.HasPrefix(p, r.Path+"/")
}

// more reports whether r is more specific than o.
func (r Rule) more(o Rule) bool {
	if len(r.Path) != len(o.Path) {
		return len(r.Path) > len(o.Path)
	}
	if r.Exact != o.Exact {
		return r.Exact
	}
	return r.Method != "" && o.Method == ""
}

// Policy is the static route table consulted by the guard.
type Policy struct {
	Public []Rule
	Rules  []Rule
}

// IsPublic reports whether the route needs no authentication.
func (p Policy) IsPublic(method, rawPath string) bool {
	clean := cleanPath(rawPath)
	for _, r := range p.Public {
		if r.matches(method, clean) {
			return true
		}
	}
	return false
}

// Match returns the most specific rule for the route. ok is false when no rule
// applies, in which case any authenticated principal is admitted.
func (p Policy) Match(method, rawPath string) (Rule, bool) {
	clean := cleanPath(rawPath)
	var (
		best  Rule
		found bool
	)
	for _, r := range p.Rules {
		if !r.matches(method, clean) {
			continue
		}
		if !found || r.more(best) {
			best, found = r, true
		}
	}
	return best, found
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}

var (
	adminRoles = []Role{RoleAdmin}
	staffRoles = []Role{RoleAdmin, RoleManager}
	anyRole    = AllRoles
)

// DefaultPolicy returns the HTTP route table rooted at prefix (for example "/api/v1").
func DefaultPolicy(prefix string) Policy {
	prefix = strings.TrimSuffix(prefix, "/")
	at := func(p string) string { return prefix + p }
	return Policy{
		Public: []Rule{
			{Method: http.MethodPost, Path: at("/auth/login"), Exact: true},
			{Method: http.MethodPost, Path: at("/auth/register"), Exact: true},
			{Method: http.MethodPost, Path: at("/auth/refresh"), Exact: true},
			{Path: at("/public/")},
			{Method: http.MethodGet, Path: at("/orchids")},
			{Method: http.MethodGet, Path: at("/categories")},
			{Method: http.MethodGet, Path: "/healthz", Exact: true},
			{Method: http.MethodGet, Path: "/readyz", Exact: true},
			{Method: http.MethodGet, Path: "/metrics", Exact: true},
		},
		Rules: []Rule{
			{Method: http.MethodPost, Path: at("/auth/logout"), Exact: true, Roles: anyRole, MissingToken: KindTokenNotFound},
			{Path: at("/auth/sessions"), Roles: anyRole},

			{Path: at("/accounts"), Roles: staffRoles},
			{Method: http.MethodGet, Path: at("/accounts"), Exact: true, Roles: staffRoles},
			{Method: http.MethodGet, Path: at("/accounts/"), Roles: anyRole},
			{Path: at("/roles"), Roles: staffRoles},

			{Path: at("/orchids"), Roles: staffRoles},
			{Path: at("/categories"), Roles: staffRoles},

			{Path: at("/orders"), Roles: anyRole},

			{Path: at("/audit"), Roles: adminRoles},
		},
	}
}

// GRPCPolicy is the table applied to gRPC full method names.
func GRPCPolicy() Policy {
	return Policy{
		Public: []Rule{
			{Path: "/grpc.health.v1.Health/"},
		},
		Rules: []Rule{
			{Path: "/orchid.v1.Sessions/Logout", Exact: true, Roles: anyRole, MissingToken: KindTokenNotFound},
			{Path: "/orchid.v1.Sessions/", Roles: anyRole},
		},
	}
}
