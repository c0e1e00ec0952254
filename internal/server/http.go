package server

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/event"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/ingestion"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/observability"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/persistence"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/projection"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/query"
)

// submitTimeout bounds how long a handler waits for the command pipeline
// before reporting saturation.
const submitTimeout = 2 * time.Second

// ServerDeps holds everything the HTTP API needs. Commands flow into the
// same single-consumer channel the NATS subscriber feeds; sequences for
// locally-built commands are stamped at the consumption point.
type ServerDeps struct {
	Commands      chan<- event.Command
	Query         *query.QueryService
	Projection    *projection.ProjectionWorker
	SnapshotMgr   *persistence.SnapshotManager
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Log           zerolog.Logger

	Pool           string
	Token0Decimals int
	Token1Decimals int
}

// HTTPServer is the gin front: command submission returning 202 plus the
// command id, read endpoints over the projections and Postgres, keeper and
// admin surfaces, health probes, and Prometheus metrics.
type HTTPServer struct {
	router     *gin.Engine
	httpServer *http.Server
	deps       ServerDeps
	log        zerolog.Logger
}

func NewHTTPServer(addr string, deps ServerDeps) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)

	s := &HTTPServer{
		deps: deps,
		log:  deps.Log.With().Str("component", "http").Logger(),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLog())
	s.router = router
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: router,
	}
	return s
}

// Router exposes the gin engine for tests.
func (s *HTTPServer) Router() *gin.Engine {
	return s.router
}

// Start serves until the context ends, then drains with a 5s grace period.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) registerRoutes() {
	if s.deps.HealthChecker != nil {
		s.router.GET("/healthz", gin.WrapF(s.deps.HealthChecker.LivenessHandler))
		s.router.GET("/readyz", gin.WrapF(s.deps.HealthChecker.ReadinessHandler))
	}
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api/v1")
	{
		orders := api.Group("/orders")
		{
			orders.POST("", s.placeOrder)
			orders.POST("/scale", s.placeScaleOrders)
			orders.POST("/cancel", s.cancelOrder)
			orders.POST("/cancel-batch", s.cancelBatch)
			orders.GET("", s.listOrders)
		}

		claims := api.Group("/claims")
		{
			claims.POST("", s.claimProceeds)
			claims.POST("/batch", s.claimBatch)
			claims.GET("", s.listClaims)
		}

		api.POST("/keeper/execute", s.keeperExecute)

		api.GET("/depth", s.getDepth)
		api.GET("/executions", s.listExecutions)
		api.GET("/executions/recent", s.recentExecutions)
		api.GET("/positions/detail", s.getPositionDetail)
		api.GET("/positions/journal", s.getPositionJournal)

		admin := api.Group("/admin")
		{
			admin.POST("/params", s.updateParams)
			admin.GET("/integrity", s.verifyIntegrity)
			admin.GET("/event-log", s.getEventLogInfo)
		}
	}
}

// ============================================================================
// Command submission
// ============================================================================

type placeOrderRequest struct {
	Owner          string `json:"owner" binding:"required"`
	Side           string `json:"side" binding:"required"`
	TargetBoundary int32  `json:"target_boundary"`
	Amount         string `json:"amount" binding:"required"`
}

func (s *HTTPServer) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	side, err := parseSide(req.Side)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	amount, err := s.baseUnits(side, req.Amount)
	if err != nil {
		s.badRequest(c, err)
		return
	}

	cmd := &event.PlaceOrder{
		CommandID:      uuid.New(),
		Pool:           s.deps.Pool,
		Owner:          req.Owner,
		OrderSide:      side,
		TargetBoundary: req.TargetBoundary,
		Amount:         amount,
		Seq:            ingestion.LocalSeq,
		Timestamp:      time.Now().UTC(),
	}
	s.submit(c, cmd, cmd.CommandID)
}

type placeScaleOrdersRequest struct {
	Owner        string `json:"owner" binding:"required"`
	Side         string `json:"side" binding:"required"`
	LowBoundary  int32  `json:"low_boundary"`
	HighBoundary int32  `json:"high_boundary"`
	TotalAmount  string `json:"total_amount" binding:"required"`
	Count        int32  `json:"count" binding:"required"`
	Skew         string `json:"skew"` // Last/first weight ratio, "1" when empty
}

func (s *HTTPServer) placeScaleOrders(c *gin.Context) {
	var req placeScaleOrdersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	side, err := parseSide(req.Side)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	total, err := s.baseUnits(side, req.TotalAmount)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	skew, err := toX18(req.Skew)
	if err != nil {
		s.badRequest(c, err)
		return
	}

	cmd := &event.PlaceScaleOrders{
		CommandID:    uuid.New(),
		Pool:         s.deps.Pool,
		Owner:        req.Owner,
		OrderSide:    side,
		LowBoundary:  req.LowBoundary,
		HighBoundary: req.HighBoundary,
		TotalAmount:  total,
		Count:        req.Count,
		SkewX18:      skew,
		Seq:          ingestion.LocalSeq,
		Timestamp:    time.Now().UTC(),
	}
	s.submit(c, cmd, cmd.CommandID)
}

type bandTargetRequest struct {
	Owner  string `json:"owner" binding:"required"`
	Side   string `json:"side" binding:"required"`
	Bottom int32  `json:"bottom"`
	Top    int32  `json:"top"`
	Nonce  uint64 `json:"nonce"`
}

func (s *HTTPServer) cancelOrder(c *gin.Context) {
	var req bandTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	side, err := parseSide(req.Side)
	if err != nil {
		s.badRequest(c, err)
		return
	}

	cmd := &event.CancelOrder{
		CommandID: uuid.New(),
		Pool:      s.deps.Pool,
		Owner:     req.Owner,
		OrderSide: side,
		Bottom:    req.Bottom,
		Top:       req.Top,
		Nonce:     req.Nonce,
		Seq:       ingestion.LocalSeq,
		Timestamp: time.Now().UTC(),
	}
	s.submit(c, cmd, cmd.CommandID)
}

type claimRequest struct {
	Owner     string `json:"owner" binding:"required"`
	Side      string `json:"side" binding:"required"`
	Bottom    int32  `json:"bottom"`
	Top       int32  `json:"top"`
	Nonce     uint64 `json:"nonce"`
	Recipient string `json:"recipient"` // Defaults to owner
}

func (s *HTTPServer) claimProceeds(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	side, err := parseSide(req.Side)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	recipient := req.Recipient
	if recipient == "" {
		recipient = req.Owner
	}

	cmd := &event.ClaimProceeds{
		CommandID: uuid.New(),
		Pool:      s.deps.Pool,
		Owner:     req.Owner,
		Recipient: recipient,
		OrderSide: side,
		Bottom:    req.Bottom,
		Top:       req.Top,
		Nonce:     req.Nonce,
		Seq:       ingestion.LocalSeq,
		Timestamp: time.Now().UTC(),
	}
	s.submit(c, cmd, cmd.CommandID)
}

type batchRequest struct {
	Owner     string `json:"owner" binding:"required"`
	Offset    int32  `json:"offset"`
	Limit     int32  `json:"limit" binding:"required"`
	Recipient string `json:"recipient"` // Claims only, defaults to owner
}

func (s *HTTPServer) cancelBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	cmd := &event.CancelBatch{
		CommandID: uuid.New(),
		Pool:      s.deps.Pool,
		Owner:     req.Owner,
		Offset:    req.Offset,
		Limit:     req.Limit,
		Seq:       ingestion.LocalSeq,
		Timestamp: time.Now().UTC(),
	}
	s.submit(c, cmd, cmd.CommandID)
}

func (s *HTTPServer) claimBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	recipient := req.Recipient
	if recipient == "" {
		recipient = req.Owner
	}

	cmd := &event.ClaimBatch{
		CommandID: uuid.New(),
		Pool:      s.deps.Pool,
		Owner:     req.Owner,
		Recipient: recipient,
		Offset:    req.Offset,
		Limit:     req.Limit,
		Seq:       ingestion.LocalSeq,
		Timestamp: time.Now().UTC(),
	}
	s.submit(c, cmd, cmd.CommandID)
}

type keeperExecuteRequest struct {
	Keeper string `json:"keeper" binding:"required"`
	Bands  []struct {
		Side   string `json:"side" binding:"required"`
		Bottom int32  `json:"bottom"`
		Top    int32  `json:"top"`
	} `json:"bands" binding:"required"`
}

// keeperExecute forwards band keys to the core, which re-validates both the
// keeper identity and each band's eligibility.
func (s *HTTPServer) keeperExecute(c *gin.Context) {
	var req keeperExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	bands := make([]event.BandRef, 0, len(req.Bands))
	for _, b := range req.Bands {
		side, err := parseSide(b.Side)
		if err != nil {
			s.badRequest(c, err)
			return
		}
		bands = append(bands, event.BandRef{OrderSide: side, Bottom: b.Bottom, Top: b.Top})
	}

	cmd := &event.KeeperExecute{
		CommandID: uuid.New(),
		Pool:      s.deps.Pool,
		Keeper:    req.Keeper,
		Bands:     bands,
		Seq:       ingestion.LocalSeq,
		Timestamp: time.Now().UTC(),
	}
	s.submit(c, cmd, cmd.CommandID)
}

type updateParamsRequest struct {
	ExecutionBudget   int32    `json:"execution_budget"`
	MinAmount0        string   `json:"min_amount0"` // Empty leaves unchanged
	MinAmount1        string   `json:"min_amount1"`
	MaxOrdersPerScale int32    `json:"max_orders_per_scale"`
	AuthorizedKeepers []string `json:"authorized_keepers"`
	FallbackTreasury  string   `json:"fallback_treasury"`
	EffectiveSeq      int64    `json:"effective_seq" binding:"required"`
}

func (s *HTTPServer) updateParams(c *gin.Context) {
	var req updateParamsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	min0, err := s.optionalBaseUnits(event.SideSellToken0, req.MinAmount0)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	min1, err := s.optionalBaseUnits(event.SideSellToken1, req.MinAmount1)
	if err != nil {
		s.badRequest(c, err)
		return
	}

	cmd := &event.UpdateParams{
		Pool:              s.deps.Pool,
		ExecutionBudget:   req.ExecutionBudget,
		MinAmount0:        min0,
		MinAmount1:        min1,
		MaxOrdersPerScale: req.MaxOrdersPerScale,
		AuthorizedKeepers: req.AuthorizedKeepers,
		FallbackTreasury:  req.FallbackTreasury,
		EffectiveSeq:      req.EffectiveSeq,
		Seq:               ingestion.LocalSeq,
		Timestamp:         time.Now().UTC(),
	}

	select {
	case s.deps.Commands <- cmd:
		c.JSON(http.StatusAccepted, gin.H{
			"idempotency_key": cmd.IdempotencyKey(),
			"pool":            s.deps.Pool,
		})
	case <-time.After(submitTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "command pipeline saturated"})
	case <-c.Request.Context().Done():
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
	}
}

func (s *HTTPServer) submit(c *gin.Context, cmd event.Command, commandID uuid.UUID) {
	select {
	case s.deps.Commands <- cmd:
		c.JSON(http.StatusAccepted, gin.H{
			"command_id": commandID.String(),
			"pool":       s.deps.Pool,
		})
	case <-time.After(submitTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "command pipeline saturated"})
	case <-c.Request.Context().Done():
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
	}
}

// ============================================================================
// Read endpoints
// ============================================================================

func (s *HTTPServer) getDepth(c *gin.Context) {
	side, err := parseSide(c.DefaultQuery("side", "sell_token0"))
	if err != nil {
		s.badRequest(c, err)
		return
	}
	limit := intQuery(c, "limit", 50)

	levels := s.deps.Projection.Depth().Levels(side, limit)
	c.JSON(http.StatusOK, gin.H{
		"pool":           s.deps.Pool,
		"side":           side.String(),
		"levels":         levels,
		"as_of_sequence": s.deps.Projection.LastSequence(),
	})
}

func (s *HTTPServer) recentExecutions(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	records := s.deps.Projection.Executions().Recent(limit)
	c.JSON(http.StatusOK, gin.H{
		"pool":           s.deps.Pool,
		"executions":     records,
		"as_of_sequence": s.deps.Projection.LastSequence(),
	})
}

func (s *HTTPServer) listExecutions(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	afterSeq := seqQuery(c, "after_seq")

	executions, err := s.deps.Query.GetExecutions(c.Request.Context(), s.deps.Pool, limit, afterSeq)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions})
}

func (s *HTTPServer) listOrders(c *gin.Context) {
	owner := c.Query("owner")
	if owner == "" {
		s.badRequest(c, fmt.Errorf("owner is required"))
		return
	}
	limit := intQuery(c, "limit", 50)
	afterSeq := seqQuery(c, "after_seq")

	orders, err := s.deps.Query.GetOrdersByOwner(c.Request.Context(), s.deps.Pool, owner, limit, afterSeq)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *HTTPServer) listClaims(c *gin.Context) {
	owner := c.Query("owner")
	if owner == "" {
		s.badRequest(c, fmt.Errorf("owner is required"))
		return
	}
	limit := intQuery(c, "limit", 50)
	afterSeq := seqQuery(c, "after_seq")

	claims, err := s.deps.Query.GetClaims(c.Request.Context(), s.deps.Pool, owner, limit, afterSeq)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claims": claims})
}

func (s *HTTPServer) getPositionDetail(c *gin.Context) {
	side, bottom, top, nonce, err := bandQuery(c)
	if err != nil {
		s.badRequest(c, err)
		return
	}

	detail, err := s.deps.Query.GetPositionDetail(c.Request.Context(), s.deps.Pool, side.String(), bottom, top, nonce)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if detail == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "position not found"})
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *HTTPServer) getPositionJournal(c *gin.Context) {
	side, bottom, top, nonce, err := bandQuery(c)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	limit := intQuery(c, "limit", 100)
	afterSeq := seqQuery(c, "after_seq")

	entries, err := s.deps.Query.GetPositionJournal(c.Request.Context(), side.String(), bottom, top, nonce, limit, afterSeq)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"journals": entries})
}

// ============================================================================
// Admin endpoints
// ============================================================================

func (s *HTTPServer) verifyIntegrity(c *gin.Context) {
	report, err := s.deps.Query.VerifyIntegrity(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *HTTPServer) getEventLogInfo(c *gin.Context) {
	lastSeq, err := s.deps.SnapshotMgr.GetLatestSequence(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"last_sequence":       lastSeq,
		"projection_sequence": s.deps.Projection.LastSequence(),
	})
}

// ============================================================================
// Helpers
// ============================================================================

func (s *HTTPServer) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := c.Writer.Status()

		if s.deps.Metrics != nil {
			s.deps.Metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
			s.deps.Metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			if status >= 500 {
				s.deps.Metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
			}
		}

		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *HTTPServer) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *HTTPServer) internalError(c *gin.Context, err error) {
	s.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("handler error")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// baseUnits converts a human decimal amount into base units using the
// deposit token's configured decimals. Amounts with sub-unit precision are
// rejected rather than rounded.
func (s *HTTPServer) baseUnits(side event.Side, amount string) (*big.Int, error) {
	decimals := s.deps.Token0Decimals
	if side == event.SideSellToken1 {
		decimals = s.deps.Token1Decimals
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("bad amount %q: %w", amount, err)
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %q", amount)
	}

	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", amount, decimals)
	}
	return shifted.BigInt(), nil
}

// optionalBaseUnits treats an empty string as nil, meaning leave unchanged.
func (s *HTTPServer) optionalBaseUnits(side event.Side, amount string) (*big.Int, error) {
	if amount == "" {
		return nil, nil
	}
	return s.baseUnits(side, amount)
}

// toX18 parses a decimal ratio into X18 fixed point. Empty means flat
// distribution (ratio 1).
func toX18(ratio string) (*big.Int, error) {
	if ratio == "" {
		ratio = "1"
	}
	d, err := decimal.NewFromString(ratio)
	if err != nil {
		return nil, fmt.Errorf("bad skew %q: %w", ratio, err)
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("skew must be positive, got %q", ratio)
	}
	shifted := d.Shift(18)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("skew %q exceeds 18 decimal places", ratio)
	}
	return shifted.BigInt(), nil
}

func parseSide(s string) (event.Side, error) {
	switch s {
	case "sell_token0", "sell0", "token0":
		return event.SideSellToken0, nil
	case "sell_token1", "sell1", "token1":
		return event.SideSellToken1, nil
	default:
		return event.SideUnknown, fmt.Errorf("unknown side %q", s)
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func seqQuery(c *gin.Context, name string) *int64 {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func bandQuery(c *gin.Context) (event.Side, int32, int32, uint64, error) {
	side, err := parseSide(c.Query("side"))
	if err != nil {
		return event.SideUnknown, 0, 0, 0, err
	}
	bottom, err := strconv.ParseInt(c.Query("bottom"), 10, 32)
	if err != nil {
		return event.SideUnknown, 0, 0, 0, fmt.Errorf("bad bottom: %w", err)
	}
	top, err := strconv.ParseInt(c.Query("top"), 10, 32)
	if err != nil {
		return event.SideUnknown, 0, 0, 0, fmt.Errorf("bad top: %w", err)
	}
	nonce, err := strconv.ParseUint(c.DefaultQuery("nonce", "0"), 10, 64)
	if err != nil {
		return event.SideUnknown, 0, 0, 0, fmt.Errorf("bad nonce: %w", err)
	}
	return side, int32(bottom), int32(top), nonce, nil
}
