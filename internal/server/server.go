package server

import (
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/nayrfirmandes/Saldopedia-sub001/internal/config"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/deposit"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/observability"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/query"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/rates"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/sweeper"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/token"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/withdrawal"
)

// Server is the HTTP surface of the settlement core: user-facing creation
// endpoints, admin action links, the internal sweep trigger, and read-side
// queries.
type Server struct {
	app         *fiber.App
	cfg         config.AppConfig
	deposits    *deposit.Service
	withdrawals *withdrawal.Service
	queries     *query.Service
	rates       *rates.Engine
	tokens      *token.Authority
	sweep       *sweeper.Sweeper
	health      *observability.HealthChecker
	admin       AdminVerifier
	validate    *validator.Validate
	log         zerolog.Logger
	metrics     *observability.Metrics
}

func New(
	cfg config.AppConfig,
	deposits *deposit.Service,
	withdrawals *withdrawal.Service,
	queries *query.Service,
	engine *rates.Engine,
	tokens *token.Authority,
	sweep *sweeper.Sweeper,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
) *Server {
	s := &Server{
		cfg:         cfg,
		deposits:    deposits,
		withdrawals: withdrawals,
		queries:     queries,
		rates:       engine,
		tokens:      tokens,
		sweep:       sweep,
		health:      health,
		admin:       NewSecretVerifier(cfg.AdminSecret),
		validate:    validator.New(),
		log:         observability.NewLogger("http"),
		metrics:     metrics,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "saldopedia-settlement-core",
		DisableStartupMessage: true,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          15 * time.Second,
		ErrorHandler:          s.errorHandler,
	})
	s.app.Use(s.observe)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.health.LivenessHandler)
	s.app.Get("/readyz", s.health.ReadinessHandler)

	v1 := s.app.Group("/v1")

	v1.Post("/deposits", s.createDeposit)
	v1.Post("/deposits/:id/proof", s.submitProof)
	v1.Post("/withdrawals", s.createWithdrawal)

	// Admin action links arrive as GETs because they are followed from email.
	admin := v1.Group("/admin", s.requireAdmin)
	admin.Get("/deposits/:id/confirm", s.confirmDeposit)
	admin.Get("/deposits/:id/reject", s.rejectDeposit)
	admin.Get("/withdrawals/:id/complete", s.completeWithdrawal)
	admin.Get("/withdrawals/:id/reject", s.rejectWithdrawal)

	v1.Post("/internal/sweep", s.triggerSweep)

	v1.Get("/users/:id/balance", s.userBalance)
	v1.Get("/users/:id/deposits", s.userDeposits)
	v1.Get("/users/:id/withdrawals", s.userWithdrawals)

	v1.Get("/rates/quote", s.rateQuote)
}

// Listen blocks serving HTTP until Shutdown.
func (s *Server) Listen(addr string) error {
	s.log.Info().Str("addr", addr).Msg("http server listening")
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(10 * time.Second)
}

// App exposes the fiber app for handler tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) observe(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	route := c.Route().Path
	if s.metrics != nil {
		s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(c.Response().StatusCode())).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
	return err
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if fe, ok := err.(*fiber.Error); ok {
		code = fe.Code
	}
	if code >= 500 {
		s.log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
