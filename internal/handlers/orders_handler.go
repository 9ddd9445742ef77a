package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-fulfillment-saga/internal/idempotency"
	"github.com/imrishuroy/go-fulfillment-saga/internal/orders"
	"github.com/imrishuroy/go-fulfillment-saga/internal/validation"
)

// OrdersConfig groups dependencies for the orders handler.
type OrdersConfig struct {
	Orders      *orders.Orchestrator
	Idempotency *idempotency.Store
	Logger      *slog.Logger
}

// RegisterOrdersRoutes registers routes for order API.
func RegisterOrdersRoutes(r gin.IRouter, cfg OrdersConfig) {
	v := validation.New()
	idempStore := cfg.Idempotency
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	r.POST("/orders", func(c *gin.Context) {
		ctx := c.Request.Context()

		// Bind + validate request
		var req validation.CreateOrderRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		// Require idempotency key header
		idempKey := c.GetHeader("Idempotency-Key")
		if idempKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
			return
		}

		order, err := cfg.Orders.PlaceOrder(ctx, req, idempKey)
		if errors.Is(err, orders.ErrDuplicateRequest) {
			replay(c, idempStore, idempKey)
			return
		}
		if err != nil && order == nil {
			respondError(c, log, err)
			return
		}
		if err != nil {
			// order is stored but its payment request never left; mark the key
			// failed so the client knows to retry payment via /orders/:id/pay
			if merr := idempStore.MarkFailed(ctx, idempKey, fmt.Sprintf("payment_dispatch_failed: %v", err)); merr != nil {
				log.Error("mark idempotency key failed", "key", idempKey, "order_id", order.OrderID, "error", merr)
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed", "detail": err.Error(), "orderId": order.OrderID})
			return
		}

		responseBody, _ := json.Marshal(gin.H{"orderId": order.OrderID, "status": order.Status})
		if err := idempStore.MarkDone(ctx, idempKey, string(responseBody), http.StatusCreated); err != nil {
			// the order stands; replays of this key answer 202 in progress
			log.Error("mark idempotency key done", "key", idempKey, "order_id", order.OrderID, "error", err)
		}

		c.Header("Location", fmt.Sprintf("/orders/%s", order.OrderID))
		c.Data(http.StatusCreated, "application/json", responseBody)
	})

	r.GET("/orders", func(c *gin.Context) {
		list, err := cfg.Orders.List(c.Request.Context())
		if err != nil {
			respondError(c, log, err)
			return
		}
		if list == nil {
			list = []orders.Order{}
		}
		c.JSON(http.StatusOK, list)
	})

	r.GET("/orders/:id", func(c *gin.Context) {
		order, err := cfg.Orders.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, order)
	})

	r.GET("/orders/:id/payments", func(c *gin.Context) {
		list, err := cfg.Orders.Payments(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, list)
	})

	r.POST("/orders/:id/pay", func(c *gin.Context) {
		order, err := cfg.Orders.Pay(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"orderId": order.OrderID, "status": order.Status})
	})

	r.POST("/orders/:id/cancel", func(c *gin.Context) {
		order, err := cfg.Orders.Cancel(c.Request.Context(), c.Param("id"))
		if err != nil && order == nil {
			respondError(c, log, err)
			return
		}
		if err != nil {
			// cancelled, but the refund request is still owed
			log.Error("refund dispatch failed", "order_id", order.OrderID, "error", err)
		}
		c.JSON(http.StatusOK, gin.H{"orderId": order.OrderID, "status": order.Status})
	})
}

// replay answers a request whose idempotency key was already used, from the
// stored record.
func replay(c *gin.Context, idempStore *idempotency.Store, key string) {
	rec, err := idempStore.Get(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed", "detail": err.Error()})
		return
	}
	if rec == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transaction_failed_no_idempotency_record"})
		return
	}
	switch rec.Status {
	case idempotency.StatusDone:
		if rec.ResponseBody != "" {
			if json.Valid([]byte(rec.ResponseBody)) {
				c.Data(rec.ResponseStatus, "application/json", []byte(rec.ResponseBody))
				return
			}
			c.JSON(rec.ResponseStatus, gin.H{"response": rec.ResponseBody})
			return
		}
		c.JSON(http.StatusOK, gin.H{"orderId": rec.OrderID})
	case idempotency.StatusInProgress:
		c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress", "orderId": rec.OrderID})
	case idempotency.StatusFailed:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "previous_attempt_failed", "orderId": rec.OrderID})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown_idempotency_status"})
	}
}
