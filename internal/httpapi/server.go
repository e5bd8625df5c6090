package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/coursebilling/internal/config"
	"github.com/MarkoPoloResearchLab/coursebilling/pkg/billing"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"
	requestIDHeader  = "X-Request-ID"
	requestIDKey     = "request_id"
	shutdownTimeout  = 5 * time.Second
)

// Ledger is the slice of billing.Service exposed over HTTP.
type Ledger interface {
	Deposit(ctx context.Context, email billing.Email, amount billing.PositiveAmount) (billing.Transaction, error)
	Purchase(ctx context.Context, email billing.Email, code billing.CourseCode) (billing.Transaction, error)
	OpenAccount(ctx context.Context, email billing.Email, roles []string, initialDeposit decimal.Decimal) (billing.User, error)
	Account(ctx context.Context, email billing.Email) (billing.User, error)
	Courses(ctx context.Context) ([]billing.Course, error)
	FilteredTransactions(ctx context.Context, filter billing.TransactionFilter) ([]billing.Transaction, error)
}

// Run serves the billing API until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config, ledger Ledger, logger *zap.Logger) error {
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := NewHandler(ledger, cfg, logger)
	router := NewRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("billing api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter mounts the public health check and the session-protected API.
func NewRouter(cfg config.Config, handler *Handler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", requestIDHeader},
		ExposeHeaders:    []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.Use(requestTimeout(cfg.RequestTimeout))

	api.GET("/users/current", handler.handleCurrentUser)
	api.POST("/accounts", handler.handleOpenAccount)
	api.POST("/deposit", handler.handleDeposit)
	api.GET("/courses", handler.handleCourses)
	api.POST("/courses/:code/pay", handler.handlePurchase)
	api.GET("/transactions", handler.handleTransactions)

	return router
}

func requestID() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id := ctx.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		ctx.Set(requestIDKey, id)
		ctx.Header(requestIDHeader, id)
		ctx.Next()
	}
}

func requestTimeout(timeout time.Duration) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if timeout <= 0 {
			ctx.Next()
			return
		}
		requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), timeout)
		defer cancel()
		ctx.Request = ctx.Request.WithContext(requestCtx)
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
