package storaged

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/securestore/internal/auth"
	"github.com/danmuck/securestore/internal/observability"
	"github.com/danmuck/securestore/internal/storage"
)

const adminNode = "storaged"

type PortInfo struct {
	StoreStats
	Service     string `json:"service"`
	Description string `json:"description"`
}

// AdminHandler serves health, readiness, metrics and read-only views of
// the committed state of each port. The /ports views require AdminToken
// when one is configured.
func (s *Service) AdminHandler() http.Handler {
	observability.RegisterMetrics()
	started := time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.AdminAccess(adminNode, s.log))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", observability.HeaderRequestID},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(started).String(),
			"service": adminNode,
			"clients": s.Active(),
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		if !s.ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ready": true})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ports := r.Group("/ports")
	if s.cfg.AdminToken != "" {
		ports.Use(auth.Require(auth.StaticToken(s.cfg.AdminToken)))
	}
	ports.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ports": s.portInfo()})
	})

	ports.GET("/:port/files", func(c *gin.Context) {
		p, err := storage.ParsePort(c.Param("port"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		store := s.Store(p)
		if store == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "port not enabled"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"port": p.String(), "files": store.List()})
	})
	return r
}

func (s *Service) portInfo() []PortInfo {
	out := make([]PortInfo, 0, len(s.cfg.Ports))
	for _, p := range s.cfg.Ports {
		store := s.Store(p)
		if store == nil {
			continue
		}
		out = append(out, PortInfo{
			StoreStats:  store.Stats(),
			Service:     p.ServiceName(),
			Description: p.Description(),
		})
	}
	return out
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
