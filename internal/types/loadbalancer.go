package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Policy names a target selection algorithm
type Policy string

const (
	PolicyRoundRobin         Policy = "round_robin"
	PolicyWeightedRoundRobin Policy = "weighted_round_robin"
	PolicyLeastConn          Policy = "least_conn"
	PolicyIPHash             Policy = "ip_hash"
	PolicyConsistentHash     Policy = "consistent_hash"
)

// ParsePolicy normalizes a configured policy name. Hyphenated spellings
// ("round-robin", "least-connections", "ip-hash") are accepted. An empty
// name selects round robin.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "round_robin", "round-robin", "roundrobin":
		return PolicyRoundRobin, nil
	case "weighted_round_robin", "weighted-round-robin", "weighted":
		return PolicyWeightedRoundRobin, nil
	case "least_conn", "least-conn", "least_connections", "least-connections":
		return PolicyLeastConn, nil
	case "ip_hash", "ip-hash", "iphash":
		return PolicyIPHash, nil
	case "consistent_hash", "consistent-hash":
		return PolicyConsistentHash, nil
	default:
		return "", fmt.Errorf("unknown load balancing policy: %q", name)
	}
}

// Target represents a backend target. Its identity is host:port; runtime
// state (health, in-flight count) is kept by the components that own it.
type Target struct {
	Host   string `json:"host" yaml:"host"`
	Port   int    `json:"port" yaml:"port"`
	Weight int    `json:"weight" yaml:"weight"`
}

// Key returns the host:port identity of the target.
func (t *Target) Key() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// String implements fmt.Stringer.
func (t *Target) String() string {
	return t.Key()
}

// Validate checks the target address.
func (t *Target) Validate() error {
	if t.Host == "" {
		return fmt.Errorf("target host cannot be empty")
	}
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("target %s: port %d out of range", t.Host, t.Port)
	}
	if t.Weight < 0 {
		return fmt.Errorf("target %s: weight cannot be negative", t.Key())
	}
	return nil
}

// Upstream represents a named group of targets sharing a selection policy.
type Upstream struct {
	Name    string    `json:"name"`
	Policy  Policy    `json:"policy"`
	Targets []*Target `json:"targets"`

	// MaxConnsPerTarget bounds concurrent requests per target; 0 uses the proxy default
	MaxConnsPerTarget int `json:"max_conns_per_target,omitempty"`
}

// Validate checks the group invariants: a name, a known policy and at least
// one valid target with no duplicates.
func (u *Upstream) Validate() error {
	if u.Name == "" {
		return fmt.Errorf("upstream name cannot be empty")
	}
	if _, err := ParsePolicy(string(u.Policy)); err != nil {
		return fmt.Errorf("upstream %s: %w", u.Name, err)
	}
	if len(u.Targets) == 0 {
		return fmt.Errorf("upstream %s: at least one target is required", u.Name)
	}
	seen := make(map[string]bool, len(u.Targets))
	for _, target := range u.Targets {
		if target == nil {
			return fmt.Errorf("upstream %s: nil target", u.Name)
		}
		if err := target.Validate(); err != nil {
			return fmt.Errorf("upstream %s: %w", u.Name, err)
		}
		if seen[target.Key()] {
			return fmt.Errorf("upstream %s: duplicate target %s", u.Name, target.Key())
		}
		seen[target.Key()] = true
	}
	if u.MaxConnsPerTarget < 0 {
		return fmt.Errorf("upstream %s: max_conns_per_target cannot be negative", u.Name)
	}
	return nil
}

// HealthView is the read-only health interface used during selection.
type HealthView interface {
	IsHealthy(target *Target) bool
}

// LoadBalancer selects one target out of an already filtered live set.
type LoadBalancer interface {
	Select(upstream *Upstream, live []*Target, clientIP string) (*Target, error)
}
