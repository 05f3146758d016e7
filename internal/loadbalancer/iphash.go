package loadbalancer

import (
	"hash/fnv"
	"net"
	"net/http"

	"github.com/songzhibin97/edgegate/internal/types"
)

// IPHashBalancer maps a client IP onto the live set with FNV-32a modulo
// the live count. A change of the live set remaps most clients.
type IPHashBalancer struct{}

// NewIPHashBalancer creates a new IP hash load balancer
func NewIPHashBalancer() *IPHashBalancer {
	return &IPHashBalancer{}
}

// Select implements types.LoadBalancer.
func (ih *IPHashBalancer) Select(_ *types.Upstream, live []*types.Target, clientIP string) (*types.Target, error) {
	if len(live) == 0 {
		return nil, ErrNoHealthyTarget
	}
	return live[hashIP(clientIP)%uint32(len(live))], nil
}

func hashIP(ip string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))
	return h.Sum32()
}

// ExtractClientIP returns the peer address of r. Forwarding headers sent by
// the client are not trusted for identity.
func ExtractClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
