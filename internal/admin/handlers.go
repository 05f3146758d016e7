package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/songzhibin97/edgegate/internal/router"
	"github.com/songzhibin97/edgegate/internal/types"
	"github.com/songzhibin97/edgegate/internal/upstream"
	"github.com/songzhibin97/edgegate/pkg/log"
)

// TargetView is the operator view of one target
type TargetView struct {
	Address             string  `json:"address"`
	Weight              int     `json:"weight"`
	Status              string  `json:"status"`
	Healthy             bool    `json:"healthy"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	InFlight            int64   `json:"in_flight"`
	PoolInUse           int     `json:"pool_in_use"`
	Requests            float64 `json:"requests_total"`
	Failures            float64 `json:"failures_total"`
}

// UpstreamView is the operator view of one group
type UpstreamView struct {
	Name    string       `json:"name"`
	Policy  types.Policy `json:"policy"`
	Targets []TargetView `json:"targets"`
}

func (s *Server) healthz(c *gin.Context) {
	snapshot := s.opts.Registry.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"routes":    s.opts.Router.Len(),
		"upstreams": len(snapshot.Groups()),
	})
}

func (s *Server) listUpstreams(c *gin.Context) {
	snapshot := s.opts.Registry.Snapshot()
	views := make([]UpstreamView, 0, len(snapshot.Groups()))
	for _, group := range snapshot.Groups() {
		views = append(views, s.upstreamView(group))
	}
	c.JSON(http.StatusOK, gin.H{
		"version":   snapshot.Version,
		"upstreams": views,
	})
}

func (s *Server) getUpstream(c *gin.Context) {
	group, err := s.opts.Registry.Get(c.Param("name"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, upstream.ErrUnknownUpstream) {
			status = http.StatusNotFound
		}
		abort(c, status, err.Error())
		return
	}
	c.JSON(http.StatusOK, s.upstreamView(group))
}

func (s *Server) upstreamView(group *types.Upstream) UpstreamView {
	view := UpstreamView{
		Name:    group.Name,
		Policy:  group.Policy,
		Targets: make([]TargetView, 0, len(group.Targets)),
	}
	for _, target := range group.Targets {
		key := target.Key()
		tv := TargetView{
			Address:  key,
			Weight:   target.Weight,
			Status:   "UP",
			Healthy:  true,
			InFlight: s.opts.Balancer.InFlight(key),
		}
		if state, ok := s.opts.Health.State(key); ok {
			tv.Status = state.Status
			tv.Healthy = state.Healthy
			tv.ConsecutiveFailures = state.ConsecutiveFailures
		}
		if s.opts.Pool != nil {
			tv.PoolInUse = s.opts.Pool.InUse(key)
		}
		if s.opts.Collector != nil {
			stats := s.opts.Collector.TargetStats(group.Name, key)
			tv.Requests = stats.Requests
			tv.Failures = stats.Failures
		}
		view.Targets = append(view.Targets, tv)
	}
	return view
}

func (s *Server) listRoutes(c *gin.Context) {
	response := gin.H{"routes": s.opts.Router.Rules()}
	if s.opts.Store != nil {
		response["config"] = s.opts.Store.Status()
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) listHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"targets": s.opts.Health.States()})
}

func (s *Server) reload(c *gin.Context) {
	if s.opts.Store == nil {
		abort(c, http.StatusConflict, router.ErrStaticConfig.Error())
		return
	}

	if err := s.opts.Store.Reload(); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, router.ErrStaticConfig) {
			status = http.StatusConflict
		}
		s.logger.Warn("admin reload failed", log.Error(err))
		abort(c, status, err.Error())
		return
	}

	s.logger.Info("routing configuration reloaded through admin API")
	c.JSON(http.StatusOK, gin.H{"config": s.opts.Store.Status()})
}

func (s *Server) listCertificates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"certificates": s.opts.Certificates.Status(c.Request.Context())})
}
