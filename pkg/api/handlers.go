package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/telekom/k8s-lease-elector/pkg/elector"
	"github.com/telekom/k8s-lease-elector/pkg/lease"
	"github.com/telekom/k8s-lease-elector/pkg/system"
	"github.com/telekom/k8s-lease-elector/pkg/version"
)

// maxWait caps ?wait= on /api/leader.
const maxWait = 5 * time.Minute

// LeaderResponse is returned by GET /api/leader.
type LeaderResponse struct {
	Leader     bool   `json:"leader"`
	Identity   string `json:"identity"`
	LeaseName  string `json:"leaseName"`
	Namespace  string `json:"namespace"`
	Standalone bool   `json:"standalone"`
}

// LeaseResponse is returned by GET /api/lease.
type LeaseResponse struct {
	*lease.Lease
	Expired   bool      `json:"expired"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// NewLeaseResponse annotates l with its expiry as of now. fallback is used when
// the record carries no duration.
func NewLeaseResponse(l *lease.Lease, fallback time.Duration, now time.Time) LeaseResponse {
	resp := LeaseResponse{Lease: l, Expired: l.IsExpired(now, fallback)}
	if l != nil && !l.RenewTime.IsZero() {
		resp.ExpiresAt = l.RenewTime.Add(l.Duration(fallback))
	}
	return resp
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// readyz reports ready while the elector runs. With ?leader it additionally
// requires this instance to lead, so a Service can route to the leader only.
func (s *Server) readyz(c *gin.Context) {
	if !s.status.Running() {
		RespondServiceUnavailable(c, "leader election not running")
		return
	}
	if _, onlyLeader := c.GetQuery("leader"); onlyLeader && !s.status.IsLeader() {
		RespondServiceUnavailable(c, "not the leader")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// getLeader reports the leadership of this instance. ?wait=<duration> blocks
// until this instance leads or the duration passed.
func (s *Server) getLeader(c *gin.Context) {
	if raw := c.Query("wait"); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait < 0 {
			RespondBadRequest(c, "wait must be a non-negative duration such as 30s")
			return
		}
		if s.gate != nil && wait > 0 {
			ctx, cancel := context.WithTimeout(c.Request.Context(), min(wait, maxWait))
			_ = s.gate.Wait(ctx)
			cancel()
		}
	}

	cfg := s.status.Config()
	c.JSON(http.StatusOK, LeaderResponse{
		Leader:     s.status.IsLeader(),
		Identity:   cfg.Identity,
		LeaseName:  cfg.LeaseName,
		Namespace:  cfg.Namespace,
		Standalone: s.status.Standalone(),
	})
}

func (s *Server) getLease(c *gin.Context) {
	log := system.GetReqLogger(c, s.log)
	cfg := s.status.Config()

	l, err := s.status.Lease(c.Request.Context())
	switch {
	case errors.Is(err, elector.ErrStandalone):
		RespondNotFound(c, "lease", "standalone mode keeps no lease")
		return
	case lease.IsNotFound(err):
		RespondNotFound(c, "lease", lease.Key(cfg.Namespace, cfg.LeaseName))
		return
	case err != nil:
		RespondBadGateway(c, "read lease", err, log)
		return
	}

	c.JSON(http.StatusOK, NewLeaseResponse(l, cfg.LeaseDuration, time.Now()))
}

func (s *Server) getBuildInfo(c *gin.Context) {
	c.JSON(http.StatusOK, version.GetBuildInfo())
}
