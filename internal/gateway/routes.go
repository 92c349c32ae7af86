package gateway

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/nimbuslabs/edge-gateway/internal/config"
)

// route is one compiled entry of the routing table: a prefix, its target
// service, the method allow-list, and the fully composed middleware chain
// ending in the proxy handler.
type route struct {
	prefix  string
	service string
	auth    bool
	tenant  bool
	methods map[string]bool // empty means all methods
	handler http.Handler
}

// routeTable resolves inbound paths by longest matching prefix. Entries are
// sorted longest-first at construction, so the first boundary match wins.
type routeTable struct {
	routes []*route
}

func newRouteTable(configs []config.RouteConfig) (*routeTable, error) {
	seen := make(map[string]bool, len(configs))
	routes := make([]*route, 0, len(configs))
	for _, rc := range configs {
		prefix := strings.TrimRight(rc.Prefix, "/")
		if seen[prefix] {
			return nil, fmt.Errorf("ambiguous route prefix %q", rc.Prefix)
		}
		seen[prefix] = true

		methods := make(map[string]bool, len(rc.Methods))
		for _, m := range rc.Methods {
			methods[strings.ToUpper(m)] = true
		}

		routes = append(routes, &route{
			prefix:  prefix,
			service: rc.Service,
			auth:    rc.Auth,
			tenant:  rc.Tenant,
			methods: methods,
		})
	}

	sort.Slice(routes, func(i, j int) bool {
		return len(routes[i].prefix) > len(routes[j].prefix)
	})

	return &routeTable{routes: routes}, nil
}

// match returns the longest-prefix route for path, or nil. A prefix only
// matches on a path-segment boundary: /api/v1/ai matches /api/v1/ai and
// /api/v1/ai/complete but not /api/v1/aiports.
func (t *routeTable) match(path string) *route {
	path = strings.TrimRight(path, "/")
	for _, rt := range t.routes {
		if path == rt.prefix || strings.HasPrefix(path, rt.prefix+"/") {
			return rt
		}
	}
	return nil
}

// allows reports whether the route admits the HTTP method.
func (rt *route) allows(method string) bool {
	if len(rt.methods) == 0 {
		return true
	}
	return rt.methods[strings.ToUpper(method)]
}

// allowHeader renders the Allow header value for 405 responses.
func (rt *route) allowHeader() string {
	methods := make([]string, 0, len(rt.methods))
	for m := range rt.methods {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return strings.Join(methods, ", ")
}
