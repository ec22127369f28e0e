package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/seee-dashboard/osm-shield/internal/observability"
	"github.com/seee-dashboard/osm-shield/internal/proxy"
)

// TelemetryResponse is the dashboard's view of the shield's state. The
// quota and queue fields are null when no data is available yet.
type TelemetryResponse struct {
	HardLocked bool            `json:"hardLocked"`
	SoftLocked bool            `json:"softLocked"`
	Quota      *QuotaTelemetry `json:"quota"`
	Queue      *QueueTelemetry `json:"queue"`
}

// QuotaTelemetry is the stored quota snapshot plus its derived usage.
type QuotaTelemetry struct {
	Remaining   uint64  `json:"remaining"`
	Limit       uint64  `json:"limit"`
	Reset       uint64  `json:"reset"`
	PercentUsed float64 `json:"percentUsed"`
}

// QueueTelemetry is the scheduler's current admission state.
type QueueTelemetry struct {
	Queued  int    `json:"queued"`
	Running int    `json:"running"`
	Done    uint64 `json:"done"`
}

// authenticated wraps a handler with the same credential requirement
// the proxy enforces. The token itself is never inspected beyond
// presence; the upstream is the authority on its validity.
func (g *Gateway) authenticated(next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := g.identity.Identify(c.Request); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, proxy.ErrorResponse{
				Error:   proxy.CodeUnauthenticated,
				Message: "a valid upstream credential is required",
			})
			return
		}
		next(c)
	}
}

func (g *Gateway) telemetry(c *gin.Context) {
	ctx := c.Request.Context()

	response := TelemetryResponse{
		HardLocked: g.breaker.IsHardLocked(ctx),
		SoftLocked: g.breaker.IsSoftLocked(ctx),
	}

	if snap, err := g.quota.Get(ctx); err == nil && snap != nil {
		response.Quota = &QuotaTelemetry{
			Remaining:   snap.Remaining,
			Limit:       snap.Limit,
			Reset:       snap.Reset,
			PercentUsed: snap.PercentUsed(),
		}
	}

	counts := g.sched.Counts()
	response.Queue = &QueueTelemetry{
		Queued:  counts.Queued,
		Running: counts.Running,
		Done:    counts.Done,
	}

	c.JSON(http.StatusOK, response)
}

func (g *Gateway) clearLocks(c *gin.Context) {
	if err := g.breaker.ClearLocks(c.Request.Context()); err != nil {
		g.logger.Error("failed to clear locks", observability.Error(err))
		c.JSON(http.StatusInternalServerError, proxy.ErrorResponse{
			Error:   proxy.CodeInternalError,
			Message: "could not clear circuit locks",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}
