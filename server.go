package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/fixmatehq/dispatch_backend/config"
	"bitbucket.org/fixmatehq/dispatch_backend/matching"
	"bitbucket.org/fixmatehq/dispatch_backend/middlewares"
	"bitbucket.org/fixmatehq/dispatch_backend/models"
	"bitbucket.org/fixmatehq/dispatch_backend/utils"
	"bitbucket.org/fixmatehq/dispatch_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("fixmate-dispatch")

var categorySlugRe = regexp.MustCompile(`^[a-z][a-z0-9_-]{1,63}$`)

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

type loginRequest struct {
	Phone    string `json:"phone" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		user, token, err := models.AuthenticateUser(c.Request.Context(), req.Phone, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
	}
}

func createRequestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewServiceRequest
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		request, err := models.CreateServiceRequest(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, request)
	}
}

func getRequestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		request, err := models.GetServiceRequest(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, models.ErrRequestNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, request)
	}
}

func broadcastRequestHandler(matcher matching.Matcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := models.BroadcastRequest(c.Request.Context(), matcher, c.Param("id"))
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, models.ErrRequestNotFound) {
				status = http.StatusNotFound
			} else if errors.Is(err, models.ErrInvalidTransition) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func acceptRequestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "accept_job")
		defer span.End()

		helperId, _ := utils.GetUserIdFromContext(ctx)
		outcome, request, err := models.AcceptJob(ctx, c.Param("id"), helperId)
		if err != nil && outcome == models.AcceptOutcomeRequestNotFound {
			c.JSON(http.StatusNotFound, gin.H{"outcome": outcome, "error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"outcome": outcome, "error": err.Error()})
			return
		}
		// Losing a race is a normal response, not an error.
		status := http.StatusOK
		if outcome != models.AcceptOutcomeAssignedOK {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"outcome": outcome, "request": request})
	}
}

type transitionRequestBody struct {
	Action models.TransitionAction `json:"action" binding:"required,oneof=start_work complete cancel"`
}

func transitionRequestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body transitionRequestBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		request, err := models.TransitionRequest(c.Request.Context(), c.Param("id"), body.Action)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, models.ErrRequestNotFound) {
				status = http.StatusNotFound
			} else if errors.Is(err, models.ErrInvalidTransition) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, request)
	}
}

type fundEscrowBody struct {
	Amount           int64  `json:"amount" binding:"required,gt=0"`
	PaymentReference string `json:"payment_reference" binding:"required"`
}

func fundEscrowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body fundEscrowBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		escrow, err := models.FundEscrow(c.Request.Context(), c.Param("id"), body.Amount, body.PaymentReference)
		if err != nil {
			status := http.StatusBadRequest
			switch {
			case errors.Is(err, models.ErrRequestNotFound):
				status = http.StatusNotFound
			case errors.Is(err, models.ErrEscrowAlreadyFunded), errors.Is(err, models.ErrPaymentRefAmountMismatch):
				status = http.StatusConflict
			case errors.Is(err, models.ErrInsufficientBalance):
				status = http.StatusUnprocessableEntity
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, escrow)
	}
}

func releaseEscrowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		escrow, err := models.ReleaseEscrow(c.Request.Context(), c.Param("id"))
		if err != nil {
			status := http.StatusBadRequest
			switch {
			case errors.Is(err, models.ErrEscrowNotFound), errors.Is(err, models.ErrRequestNotFound):
				status = http.StatusNotFound
			case errors.Is(err, models.ErrEscrowNotFunded):
				status = http.StatusConflict
			case errors.Is(err, models.ErrRequestNotCompleted):
				status = http.StatusUnprocessableEntity
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, escrow)
	}
}

func refundEscrowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		escrow, err := models.RefundEscrow(c.Request.Context(), c.Param("id"))
		if err != nil {
			status := http.StatusBadRequest
			switch {
			case errors.Is(err, models.ErrEscrowNotFound):
				status = http.StatusNotFound
			case errors.Is(err, models.ErrEscrowNotFunded):
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, escrow)
	}
}

func myWalletHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userId, _ := utils.GetUserIdFromContext(ctx)
		role, _ := utils.GetUserRoleFromContext(ctx)
		ownerType := models.WalletOwnerCustomer
		if role == string(models.UserRoleHelper) {
			ownerType = models.WalletOwnerHelper
		}
		wallet, err := models.GetWallet(ctx, userId, ownerType)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
			return
		}
		c.JSON(http.StatusOK, wallet)
	}
}

type helperLocationBody struct {
	Lat float64 `json:"lat" binding:"required"`
	Lng float64 `json:"lng" binding:"required"`
}

func helperLocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body helperLocationBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		helperId, _ := utils.GetUserIdFromContext(c.Request.Context())
		if err := models.UpdateHelperLocation(c.Request.Context(), helperId, body.Lat, body.Lng); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "helper profile not found"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func paymentWebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		rawBody, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}

		timestamp := c.Request.Header.Get("x-webhook-timestamp")
		signature := c.Request.Header.Get("x-webhook-signature")
		secret := os.Getenv("PAYMENT_WEBHOOK_SECRET")
		if !models.VerifyWebhookSignature(rawBody, timestamp, signature, secret) {
			models.RecordRejectedWebhook(c.Request.Context(), rawBody)
			logger.WithFields(logrus.Fields{
				"module": "payment",
			}).Warn("webhook rejected: bad signature")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		event, err := models.ProcessPaymentCapture(c.Request.Context(), rawBody)
		if err != nil {
			// Non-2xx tells the gateway to redeliver.
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"payment_reference": event.PaymentReference})
	}
}

func reconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := models.RunReconciliationChecks(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "summary": summary})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

type outboxReplayBody struct {
	RequestId string `json:"request_id"`
}

func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body outboxReplayBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		replayed, err := workflow.ReplayDeadNotifications(c.Request.Context(), config.GetDB(), body.RequestId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"replayed": replayed})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length", "X-Correlation-Id")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Category values are operator-defined slugs; reject anything that could
	// not match a helper's comma-separated skill list.
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("category_slug", func(fl validator.FieldLevel) bool {
			return categorySlugRe.MatchString(fl.Field().String())
		})
	}

	// Rank resolves the shared DB handle per call; the readiness gate keeps
	// requests out until the connection exists.
	matcher := matching.NewGeoMatcher(nil, config.MaxBroadcastRadiusKm())

	r.POST("/api/auth/login", loginHandler())
	// The gateway signs the webhook; it carries no bearer token.
	r.POST("/api/payments/webhook", paymentWebhookHandler())

	authed := r.Group("/", middlewares.RequireAuth())
	authed.POST("/api/requests", createRequestHandler())
	authed.GET("/api/requests/:id", getRequestHandler())
	authed.POST("/api/requests/:id/broadcast", broadcastRequestHandler(matcher))
	authed.POST("/api/requests/:id/accept", acceptRequestHandler())
	authed.POST("/api/requests/:id/transition", transitionRequestHandler())
	authed.POST("/api/escrow/:id/fund", fundEscrowHandler())
	authed.POST("/api/escrow/:id/release", releaseEscrowHandler())
	authed.POST("/api/escrow/:id/refund", refundEscrowHandler())
	authed.GET("/api/wallets/me", myWalletHandler())
	authed.POST("/api/helpers/location", helperLocationHandler())

	// Ops tooling (admin only).
	ops := r.Group("/internal/ops", middlewares.RequireAuth(), middlewares.RequireAdmin())
	ops.POST("/reconcile", reconcileHandler())
	ops.POST("/outbox/replay", outboxReplayHandler())

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
		if err := models.SeedDefaults(context.Background()); err != nil {
			logger.WithFields(logrus.Fields{"field": "seed"}).Warn("seeding defaults failed: " + err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Background workers. All of them survive redundant instances: the
	// dispatcher and direct processor claim rows with SKIP LOCKED, the sweeper
	// and reconciler elect a redis-lock leader per tick.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	sender := workflow.NewPushSender(db, logger)
	go workflow.NewNotificationDispatcher(db, logger, sender).Run(workerCtx)
	if config.ShouldRunDirectNotificationProcessor() {
		go NewNotificationDirectProcessor(db, logger, sender).Run(workerCtx)
	}
	go workflow.NewBroadcastSweeper(logger).Run(workerCtx)
	go workflow.NewReconciliationWorkflow(logger).Run(workerCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorkers()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
