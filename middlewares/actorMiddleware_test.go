package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/utils"
	"github.com/gin-gonic/gin"
)

func TestActorAndCorrelationMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationIdMiddleware(), ActorMiddleware())

	var gotActor, gotCid string
	r.GET("/", func(c *gin.Context) {
		gotActor, _ = utils.GetActorFromContext(c.Request.Context())
		gotCid, _ = utils.GetCorrelationIdFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, "  alice ")
	req.Header.Set(CorrelationIdHeader, "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if gotActor != "alice" {
		t.Fatalf("expected trimmed actor, got %q", gotActor)
	}
	if gotCid != "abc-123" || w.Header().Get(CorrelationIdHeader) != "abc-123" {
		t.Fatalf("expected the caller's correlation id to be kept, got %q", gotCid)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if gotActor != "" {
		t.Fatalf("expected no actor, got %q", gotActor)
	}
	if gotCid == "" || w.Header().Get(CorrelationIdHeader) != gotCid {
		t.Fatalf("expected a generated correlation id to be echoed")
	}
}

func TestRateLimiter_NilClientPassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewRateLimiter(nil, 1, 0).Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
}
