// Package handlers exposes the saga services over HTTP with gin.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-fulfillment-saga/internal/fulfillment"
	"github.com/imrishuroy/go-fulfillment-saga/internal/ledger"
	"github.com/imrishuroy/go-fulfillment-saga/internal/metrics"
	"github.com/imrishuroy/go-fulfillment-saga/internal/orders"
)

// NewRouter returns a gin engine with recovery, request metrics, /health and
// /metrics. Services register their own routes on it.
func NewRouter(m *metrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if m != nil {
		r.Use(m.Middleware())
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

// respondError maps domain errors onto status codes.
func respondError(c *gin.Context, log *slog.Logger, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, orders.ErrOrderNotFound),
		errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, fulfillment.ErrDeliveryNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, orders.ErrInvalidTransition),
		errors.Is(err, fulfillment.ErrDeliveryTerminal),
		errors.Is(err, ledger.ErrDuplicateAccount):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status, code = http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrSameAccount):
		status, code = http.StatusBadRequest, "invalid_request"
	}
	if status == http.StatusInternalServerError && log != nil {
		log.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": code, "detail": err.Error()})
}
