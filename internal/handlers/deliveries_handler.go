package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-fulfillment-saga/internal/fulfillment"
)

// RegisterDeliveryRoutes registers the delivery company's query and operator API.
func RegisterDeliveryRoutes(r gin.IRouter, engine *fulfillment.Engine, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}

	r.GET("/deliveries", func(c *gin.Context) {
		list, err := engine.List(c.Request.Context())
		if err != nil {
			respondError(c, log, err)
			return
		}
		if list == nil {
			list = []fulfillment.Delivery{}
		}
		c.JSON(http.StatusOK, list)
	})

	r.GET("/deliveries/:orderId", func(c *gin.Context) {
		d, err := engine.Get(c.Request.Context(), c.Param("orderId"))
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, d)
	})

	r.GET("/tracking/:trackingId", func(c *gin.Context) {
		d, err := engine.GetByTracking(c.Request.Context(), c.Param("trackingId"))
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, d)
	})

	r.POST("/deliveries/:orderId/cancel", func(c *gin.Context) {
		d, err := engine.Cancel(c.Request.Context(), c.Param("orderId"))
		switch {
		case errors.Is(err, fulfillment.ErrDeliveryTerminal) || d == nil:
			respondError(c, log, err)
		case err != nil:
			// cancelled, but the announcement is still owed
			log.Error("cancellation announce failed", "order_id", d.OrderID, "error", err)
			c.JSON(http.StatusOK, d)
		default:
			c.JSON(http.StatusOK, d)
		}
	})
}
