package http

import (
	"github.com/gin-gonic/gin"
	"github.com/richardliu001/feed-fanout/internal/config"
	"github.com/richardliu001/feed-fanout/internal/service"
	"go.uber.org/zap"
)

func NewRouter(svc service.BatchHandler, pinger Pinger, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, svc, pinger)
	return r
}
