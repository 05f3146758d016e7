package router

import (
	"fmt"

	"github.com/songzhibin97/edgegate/internal/config"
	"github.com/songzhibin97/edgegate/internal/types"
)

// Rule is one virtual-host routing rule. Rules are evaluated in order and
// the first match wins.
type Rule struct {
	Name       string  `json:"name"`
	Host       string  `json:"host"`
	PathPrefix string  `json:"path_prefix"`
	Upstream   string  `json:"upstream"`
	Rewrite    *string `json:"rewrite,omitempty"`
}

// Match is the result of a successful lookup.
type Match struct {
	Rule *Rule
	// Upstream is the group the rule pointed at when its table was
	// installed; nil when the table was loaded without groups
	Upstream *types.Upstream
	// Path is the path to send upstream, rewritten when the rule says so
	Path string
}

// RulesFromConfig converts configured routes into rules, naming unnamed
// ones after their position.
func RulesFromConfig(routes []config.RouteConfig) []Rule {
	rules := make([]Rule, len(routes))
	for i, route := range routes {
		name := route.Name
		if name == "" {
			name = fmt.Sprintf("route-%d", i)
		}
		rules[i] = Rule{
			Name:       name,
			Host:       route.Host,
			PathPrefix: route.PathPrefix,
			Upstream:   route.Upstream,
			Rewrite:    route.Rewrite,
		}
	}
	return rules
}
