package middlewares

import (
	"strings"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ActorHeader         = "X-Actor"
	CorrelationIdHeader = "X-Correlation-Id"
)

// ActorMiddleware puts the X-Actor header on the request context. Requests
// without one still pass; mutations reject a missing actor themselves.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := strings.TrimSpace(c.GetHeader(ActorHeader))
		if actor == "" {
			c.Next()
			return
		}
		c.Request = c.Request.WithContext(utils.SetActorInContext(c.Request.Context(), actor))
		c.Next()
	}
}

// CorrelationIdMiddleware generates an id once per request unless the caller
// sent one, and echoes it back.
func CorrelationIdMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := strings.TrimSpace(c.GetHeader(CorrelationIdHeader))
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header(CorrelationIdHeader, cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}
