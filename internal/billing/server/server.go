// Package server wires the billing service's components into one HTTP
// handler.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/studyplan/internal/billing/archive"
	"github.com/dukerupert/studyplan/internal/billing/handler"
	"github.com/dukerupert/studyplan/internal/billing/jobs"
	"github.com/dukerupert/studyplan/internal/billing/lock"
	"github.com/dukerupert/studyplan/internal/billing/metrics"
	"github.com/dukerupert/studyplan/internal/billing/middleware"
	"github.com/dukerupert/studyplan/internal/billing/planchange"
	"github.com/dukerupert/studyplan/internal/billing/pricing"
	"github.com/dukerupert/studyplan/internal/billing/reconcile"
	"github.com/dukerupert/studyplan/internal/billing/store"
	billingstripe "github.com/dukerupert/studyplan/internal/billing/stripe"
	"github.com/dukerupert/studyplan/internal/config"
	"github.com/dukerupert/studyplan/internal/email"
	sharedmw "github.com/dukerupert/studyplan/internal/middleware"
	"github.com/dukerupert/studyplan/internal/websocket"
)

type Server struct {
	cfg         *config.Config
	db          *sql.DB
	logger      *slog.Logger
	metrics     *metrics.Metrics
	hub         *websocket.Hub
	stripe      *billingstripe.Client
	archive     *archive.Archive
	redis       *redis.Client
	rateLimiter *sharedmw.RateLimiter

	accounts      *store.AccountStore
	sessions      *store.SessionStore
	subjects      *store.SubjectStore
	subscriptions *store.SubscriptionStore
	events        *store.WebhookEventStore

	plans      *planchange.Service
	reconciler *reconcile.Reconciler

	authH     *handler.AuthHandler
	accountH  *handler.AccountHandler
	planH     *handler.PlanChangeHandler
	checkoutH *handler.CheckoutHandler
	webhookH  *handler.WebhookHandler
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	base, additional, err := cfg.Pricing.Amounts()
	if err != nil {
		return nil, err
	}
	calc := pricing.New(pricing.Config{
		BasePrice:         base,
		AdditionalPrice:   additional,
		BasePriceID:       cfg.Stripe.BasePriceID,
		AdditionalPriceID: cfg.Stripe.AdditionalPriceID,
		Currency:          cfg.Pricing.Currency,
	})

	m := metrics.New()
	hub := websocket.NewHub(logger.With("component", "websocket"), websocket.WithGauge(m))

	stripeClient := billingstripe.NewClient(billingstripe.Config{
		SecretKey:         cfg.Stripe.SecretKey,
		WebhookSecret:     cfg.Stripe.WebhookSecret,
		BasePriceID:       cfg.Stripe.BasePriceID,
		AdditionalPriceID: cfg.Stripe.AdditionalPriceID,
		SuccessURL:        cfg.Server.BaseURL + "/account?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:         cfg.Server.BaseURL + "/pricing",
	},
		billingstripe.WithObserver(m.ObserveStripe),
		billingstripe.WithLogger(logger.With("component", "stripe")),
	)

	emailClient := email.NewClient(cfg.Email.PostmarkToken, cfg.Email.FromEmail, cfg.Server.BaseURL)
	arch := archive.New(archive.Config{
		Endpoint:  cfg.Archive.Endpoint,
		Bucket:    cfg.Archive.Bucket,
		Region:    cfg.Archive.Region,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		Prefix:    cfg.Archive.Prefix,
	})

	s := &Server{
		cfg:           cfg,
		db:            db,
		logger:        logger,
		metrics:       m,
		hub:           hub,
		stripe:        stripeClient,
		archive:       arch,
		rateLimiter:   sharedmw.NewRateLimiter(),
		accounts:      store.NewAccountStore(db),
		sessions:      store.NewSessionStore(db),
		subjects:      store.NewSubjectStore(db),
		subscriptions: store.NewSubscriptionStore(db),
		events:        store.NewWebhookEventStore(db),
	}

	var locker lock.Locker = lock.NewMemory()
	if cfg.Redis.Addr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		locker = lock.NewRedis(s.redis, cfg.Redis.LockTTL)
		logger.Info("plan change lock backed by redis", "addr", cfg.Redis.Addr)
	}

	s.plans = planchange.New(db, calc, stripeClient, locker,
		planchange.WithLogger(logger),
		planchange.WithRecorder(m),
		planchange.WithNotifier(hub),
	)

	reconcileOpts := []reconcile.Option{
		reconcile.WithLogger(logger),
		reconcile.WithRecorder(m),
		reconcile.WithNotifier(hub),
	}
	if arch.Enabled() {
		reconcileOpts = append(reconcileOpts, reconcile.WithArchiver(arch))
	}
	if emailClient.Configured() {
		reconcileOpts = append(reconcileOpts, reconcile.WithMailer(emailClient))
	}
	s.reconciler = reconcile.New(db, calc, stripeClient, reconcileOpts...)

	s.authH = handler.NewAuthHandler(s.accounts, s.sessions, emailClient, cfg.Server.BaseURL, logger.With("component", "auth"))
	s.accountH = handler.NewAccountHandler(s.subjects, s.accounts, logger.With("component", "account"))
	s.planH = handler.NewPlanChangeHandler(s.plans, logger.With("component", "planchange"))
	s.checkoutH = handler.NewCheckoutHandler(stripeClient, s.accounts, s.subscriptions, s.subjects, calc,
		cfg.Server.BaseURL, logger.With("component", "checkout"))
	s.webhookH = handler.NewWebhookHandler(stripeClient, s.reconciler, logger.With("component", "webhook"))

	if !stripeClient.Configured() {
		logger.Warn("stripe secret key not set; billing routes are disabled")
	}
	return s, nil
}

func (s *Server) Reconciler() *reconcile.Reconciler { return s.reconciler }
func (s *Server) Archive() *archive.Archive { return s.archive }
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Scheduler builds the maintenance jobs for this server's stores.
func (s *Server) Scheduler() *jobs.Scheduler {
	return jobs.New(jobs.Config{
		SessionCleanup: s.cfg.Jobs.SessionCleanup,
		PendingSweep:   s.cfg.Jobs.PendingSweep,
		EventRetention: s.cfg.Jobs.EventRetention,
	}, s.sessions, s.events, s.reconciler,
		jobs.WithLimiter(s.rateLimiter),
		jobs.WithGauge(s.metrics),
		jobs.WithLogger(s.logger),
	)
}

// Close releases connections the server opened itself.
func (s *Server) Close() error {
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)
	mux.Handle("GET /metrics", s.metrics.Handler())

	byIP := sharedmw.RateLimit(s.rateLimiter, sharedmw.RealIP, 10, time.Minute)
	mux.Handle("POST /login", byIP(http.HandlerFunc(s.authH.Login)))
	mux.HandleFunc("GET /auth/verify", s.authH.Verify)

	authMw := middleware.RequireAuth(s.sessions, s.logger.With("component", "auth"))
	byAccount := sharedmw.RateLimit(s.rateLimiter, accountKey, 30, time.Minute)
	protect := func(h http.HandlerFunc) http.Handler {
		return authMw(byAccount(h))
	}

	mux.Handle("POST /logout", authMw(http.HandlerFunc(s.authH.Logout)))
	mux.Handle("GET /ws", authMw(websocket.HandleWebSocket(s.hub, handler.AccountFromRequest,
		originPatterns(s.cfg.Server.BaseURL), s.logger.With("component", "websocket"))))

	mux.Handle("GET /api/subjects", protect(s.accountH.Subjects))
	mux.Handle("GET /api/account", protect(s.accountH.Me))
	mux.Handle("GET /api/subscription", protect(s.planH.Subscription))

	if s.stripe.Configured() {
		mux.Handle("POST /api/plan-change-preview", protect(s.planH.Preview))
		mux.Handle("POST /api/plan-change", protect(s.planH.Change))
		mux.Handle("POST /api/undo-pending-change", protect(s.planH.Undo))
		mux.Handle("POST /api/modify-pending-change", protect(s.planH.Modify))
		mux.Handle("POST /api/checkout", protect(s.checkoutH.CreateCheckoutSession))
		mux.Handle("POST /api/billing-portal", protect(s.checkoutH.BillingPortal))

		// Stripe webhooks (public, signature checked)
		mux.HandleFunc("POST /api/webhook", s.webhookH.HandleStripeWebhook)
		mux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)
	}

	return sharedmw.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Error("health check database ping", "error", err)
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func accountKey(r *http.Request) string {
	return "account:" + strconv.FormatInt(handler.AccountIDFromContext(r.Context()), 10)
}

func originPatterns(baseURL string) []string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}
