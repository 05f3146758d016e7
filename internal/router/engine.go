package router

import (
	"fmt"
	"net"
	"strings"
	"sync/atomic"

	"github.com/songzhibin97/edgegate/internal/types"
)

// Groups resolves upstream names. A table compiled against Groups serves
// each match together with the group from the same generation.
type Groups interface {
	Get(name string) (*types.Upstream, error)
}

// Engine represents the routing engine. The compiled rule table is
// immutable and swapped atomically, so lookups never block on a reload.
type Engine struct {
	table atomic.Pointer[table]
}

type table struct {
	rules    []Rule
	compiled []compiledRule
}

// compiledRule holds the normalized matching form of a rule
type compiledRule struct {
	rule *Rule
	// host is lower-cased without port; "" matches any host
	host string
	// suffix is set for "*.example.com" rules (".example.com")
	suffix string
	prefix string
	// group is resolved at compile time; nil for tables loaded without Groups
	group *types.Upstream
}

// NewEngine creates a new routing engine with an empty table
func NewEngine() *Engine {
	e := &Engine{}
	e.table.Store(&table{})
	return e
}

// Load validates rules and replaces the table atomically. When groups is
// not nil every rule must name one of its groups and matches carry that
// group. On error the current table stays in place.
func (e *Engine) Load(rules []Rule, groups Groups) error {
	t, err := compile(rules, groups)
	if err != nil {
		return err
	}
	e.swap(t)
	return nil
}

func (e *Engine) swap(t *table) {
	e.table.Store(t)
}

// compile validates rules and builds a table without installing it.
func compile(rules []Rule, groups Groups) (*table, error) {
	t := &table{
		rules:    make([]Rule, len(rules)),
		compiled: make([]compiledRule, len(rules)),
	}
	copy(t.rules, rules)

	for i := range t.rules {
		rule := &t.rules[i]
		if rule.Rewrite != nil {
			rewrite := *rule.Rewrite
			rule.Rewrite = &rewrite
		}
		compiled, err := compileRule(rule)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d (%s): %v", ErrInvalidRule, i, rule.Name, err)
		}
		if groups != nil {
			group, err := groups.Get(rule.Upstream)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %d (%s): %w", ErrInvalidRule, i, rule.Name, err)
			}
			compiled.group = group
		}
		t.compiled[i] = compiled
	}
	return t, nil
}

func compileRule(rule *Rule) (compiledRule, error) {
	if rule.Upstream == "" {
		return compiledRule{}, fmt.Errorf("upstream cannot be empty")
	}
	if rule.PathPrefix == "" {
		rule.PathPrefix = "/"
	}
	if !strings.HasPrefix(rule.PathPrefix, "/") {
		return compiledRule{}, fmt.Errorf("path prefix must start with '/': %s", rule.PathPrefix)
	}
	if rule.Rewrite != nil && *rule.Rewrite != "" && !strings.HasPrefix(*rule.Rewrite, "/") {
		return compiledRule{}, fmt.Errorf("rewrite must be empty or start with '/': %s", *rule.Rewrite)
	}

	host := normalizeHost(rule.Host)
	compiled := compiledRule{rule: rule, prefix: rule.PathPrefix}
	switch {
	case host == "":
		return compiledRule{}, fmt.Errorf("host cannot be empty")
	case host == "*":
	case strings.HasPrefix(host, "*."):
		compiled.suffix = host[1:]
	case strings.Contains(host, "*"):
		return compiledRule{}, fmt.Errorf("wildcard is only allowed as a leading label: %s", rule.Host)
	default:
		compiled.host = host
	}
	return compiled, nil
}

// Match resolves host and path to the first matching rule and the path to
// forward. It returns ErrNoRoute when nothing matches.
func (e *Engine) Match(host, path string) (*Match, error) {
	t := e.table.Load()
	host = normalizeHost(host)

	for i := range t.compiled {
		c := &t.compiled[i]
		if !c.matchHost(host) || !strings.HasPrefix(path, c.prefix) {
			continue
		}
		m := &Match{Rule: c.rule, Upstream: c.group, Path: path}
		if c.rule.Rewrite != nil {
			m.Path = rewritePath(path, c.prefix, *c.rule.Rewrite)
		}
		return m, nil
	}

	return nil, fmt.Errorf("%w: host=%s path=%s", ErrNoRoute, host, path)
}

func (c *compiledRule) matchHost(host string) bool {
	switch {
	case c.suffix != "":
		return len(host) > len(c.suffix) && strings.HasSuffix(host, c.suffix)
	case c.host != "":
		return host == c.host
	default:
		return true
	}
}

// Rules returns a copy of the current table.
func (e *Engine) Rules() []Rule {
	t := e.table.Load()
	rules := make([]Rule, len(t.rules))
	copy(rules, t.rules)
	return rules
}

// Len returns the number of installed rules.
func (e *Engine) Len() int {
	return len(e.table.Load().rules)
}

// rewritePath strips prefix from path and prepends replacement. A double
// slash at the seam is collapsed and the result always starts with '/'.
func rewritePath(path, prefix, replacement string) string {
	rest := strings.TrimPrefix(path, prefix)
	if strings.HasSuffix(replacement, "/") && strings.HasPrefix(rest, "/") {
		rest = rest[1:]
	}
	result := replacement + rest
	if !strings.HasPrefix(result, "/") {
		result = "/" + result
	}
	return result
}

// normalizeHost lower-cases host and strips the port.
func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		return strings.Trim(h, "[]")
	}
	return strings.Trim(host, "[]")
}
