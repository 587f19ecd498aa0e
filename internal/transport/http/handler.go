package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/richardliu001/feed-fanout/internal/service"
)

// Pinger reports whether the backing stores are reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

func RegisterHandlers(r *gin.Engine, svc service.BatchHandler, pinger Pinger) {
	r.GET("/healthz", healthHandler(pinger))
	v1 := r.Group("/v1")
	{
		v1.POST("/batches", submitBatchHandler(svc))
	}
}

type recordReq struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	Payload string `json:"payload"`
}

type batchReq struct {
	Records []recordReq `json:"records" binding:"required"`
}

// submitBatchHandler runs a batch pushed over HTTP. The response is 200 whatever the
// per-record outcomes are; the report says which records failed.
func submitBatchHandler(svc service.BatchHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req batchReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		records := make([]service.Record, len(req.Records))
		for i, r := range req.Records {
			id := r.ID
			if id == "" {
				id = uuid.NewString()
			}
			records[i] = service.Record{ID: id, Key: r.Key, Payload: []byte(r.Payload)}
		}
		report := svc.HandleBatch(c.Request.Context(), records)
		c.JSON(http.StatusOK, report)
	}
}

func healthHandler(pinger Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
