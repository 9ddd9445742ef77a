package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-fulfillment-saga/internal/contracts"
	"github.com/imrishuroy/go-fulfillment-saga/internal/ledger"
	"github.com/imrishuroy/go-fulfillment-saga/internal/transport"
	"github.com/imrishuroy/go-fulfillment-saga/internal/validation"
)

// BankConfig groups dependencies for the bank handler.
type BankConfig struct {
	Ledger    *ledger.Service
	Publisher transport.Publisher
	Logger    *slog.Logger
}

// RegisterBankRoutes registers the account and transfer API.
func RegisterBankRoutes(r gin.IRouter, cfg BankConfig) {
	v := validation.New()
	svc := cfg.Ledger
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	r.POST("/accounts", func(c *gin.Context) {
		var req validation.CreateAccountRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		acct, err := svc.CreateAccount(c.Request.Context(), req.AccountNumber, req.InitialBalance)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.Header("Location", "/accounts/"+acct.AccountNumber)
		c.JSON(http.StatusCreated, acct)
	})

	r.GET("/accounts/:number", func(c *gin.Context) {
		acct, err := svc.GetAccount(c.Request.Context(), c.Param("number"))
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, acct)
	})

	r.POST("/accounts/:number/topup", func(c *gin.Context) {
		var req validation.AmountRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		acct, err := svc.TopUp(c.Request.Context(), c.Param("number"), req.Amount)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, acct)
	})

	r.POST("/accounts/:number/deduct", func(c *gin.Context) {
		var req validation.AmountRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		acct, err := svc.Deduct(c.Request.Context(), c.Param("number"), req.Amount)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, acct)
	})

	// POST /payments settles synchronously and also publishes the response, so
	// the order saga sees the outcome however the payment was made.
	r.POST("/payments", func(c *gin.Context) {
		var req contracts.PaymentRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		ctx := c.Request.Context()
		resp, err := svc.Pay(ctx, req)
		if err != nil {
			respondError(c, log, err)
			return
		}
		if err := cfg.Publisher.Publish(ctx, contracts.PaymentResponseKey, resp); err != nil {
			log.Error("publish payment response", "order_id", req.OrderID, "error", err)
		}
		status := http.StatusOK
		if resp.Status == contracts.PaymentFailed {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, resp)
	})

	// POST /refunds queues the refund; its outcome arrives on payment.response.
	r.POST("/refunds", func(c *gin.Context) {
		var req contracts.RefundRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		if err := cfg.Publisher.Publish(c.Request.Context(), contracts.RefundRequestKey, req); err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"orderId": req.OrderID, "message": "refund queued"})
	})

	r.GET("/transactions", func(c *gin.Context) {
		txns, err := svc.Transactions(c.Request.Context(), c.Query("orderId"))
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, txns)
	})
}
