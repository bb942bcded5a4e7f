// Package server wires the sync, license, billing, and push surfaces
// into one HTTP handler.
package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mwinters/roadlog/internal/billing"
	billingstripe "github.com/mwinters/roadlog/internal/billing/stripe"
	"github.com/mwinters/roadlog/internal/pool"
	"github.com/mwinters/roadlog/internal/push"
	"github.com/mwinters/roadlog/internal/server/auth"
	"github.com/mwinters/roadlog/internal/server/handler"
	"github.com/mwinters/roadlog/internal/server/middleware"
	"github.com/mwinters/roadlog/internal/server/store"
	ws "github.com/mwinters/roadlog/internal/websocket"
)

type Config struct {
	TokenSecret string
	PairingCode string
	Stripe      billingstripe.Config
	Push        push.Config
}

type Server struct {
	db            *sql.DB
	cfg           Config
	hub           *ws.Hub
	pool          *pool.Pool
	applier       *billing.Applier
	subscriptions *store.SubscriptionStore
	pushStore     *store.PushStore
	notifier      *push.Notifier
	syncH         *handler.SyncHandler
	licenseH      *handler.LicenseHandler
	webhookH      *handler.WebhookHandler
	pushH         *handler.PushHandler
	pairH         *handler.PairHandler
	rateLimiter   *middleware.RateLimiter
	logger        *slog.Logger
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	accountStore := store.NewAccountStore(db)
	subscriptionStore := store.NewSubscriptionStore(db)
	licenseStore := store.NewLicenseStore(db)
	journalStore := store.NewJournalStore(db)
	billingEventStore := store.NewBillingEventStore(db)
	pushStore := store.NewPushStore(db)

	licensePool := pool.New(db, licenseStore, subscriptionStore, journalStore, pool.Config{}, logger.With("component", "pool"))
	applier := billing.NewApplier(db, billingEventStore, subscriptionStore, licenseStore, journalStore, logger.With("component", "billing"))
	stripeClient := billingstripe.NewClient(cfg.Stripe)

	var notifier *push.Notifier
	var pushH *handler.PushHandler
	if cfg.Push.VAPIDPublicKey != "" && cfg.Push.VAPIDPrivateKey != "" {
		pushSvc := push.NewService(cfg.Push)
		notifier = push.NewNotifier(pushSvc, pushStore, subscriptionStore, logger.With("component", "push"))
		pushH = handler.NewPushHandler(pushStore, pushSvc, logger.With("component", "push_handler"))
	}

	return &Server{
		db:            db,
		cfg:           cfg,
		hub:           hub,
		pool:          licensePool,
		applier:       applier,
		subscriptions: subscriptionStore,
		pushStore:     pushStore,
		notifier:      notifier,
		syncH:         handler.NewSyncHandler(db, journalStore, hub, logger.With("component", "sync")),
		licenseH:      handler.NewLicenseHandler(licensePool, hub, logger.With("component", "license")),
		webhookH:      handler.NewWebhookHandler(stripeClient, applier, hub, notifier, logger.With("component", "webhook")),
		pushH:         pushH,
		pairH:         handler.NewPairHandler(accountStore, cfg.TokenSecret, cfg.PairingCode, logger.With("component", "pair")),
		rateLimiter:   middleware.NewRateLimiter(),
		logger:        logger,
	}
}

// Hub exposes the websocket hub for out-of-band nudges.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// Pool exposes the license pool for the sweep loop.
func (s *Server) Pool() *pool.Pool {
	return s.pool
}

// Notifier exposes the push notifier, nil when VAPID keys are absent.
func (s *Server) Notifier() *push.Notifier {
	return s.notifier
}

// RateLimiter exposes the limiter for periodic cleanup.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("POST /v1/pair", s.rateLimitedHandler(s.pairH.Pair))
	outerMux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)
	outerMux.HandleFunc("GET /health", s.healthCheck)
	if s.pushH != nil {
		outerMux.HandleFunc("GET /v1/push/vapid-key", s.pushH.VAPIDKey)
	}

	// Authenticated routes
	protectedMux := http.NewServeMux()
	protectedMux.HandleFunc("POST /v1/sync", s.syncH.Reconcile)
	protectedMux.HandleFunc("POST /v1/licenses/assign", s.licenseH.Assign)
	protectedMux.HandleFunc("POST /v1/licenses/unlink", s.licenseH.RequestUnlink)
	protectedMux.HandleFunc("POST /v1/licenses/cancel-unlink", s.licenseH.CancelUnlink)
	if s.pushH != nil {
		protectedMux.HandleFunc("POST /v1/push/subscribe", s.pushH.Subscribe)
		protectedMux.HandleFunc("POST /v1/push/unsubscribe", s.pushH.Unsubscribe)
	}
	protectedMux.HandleFunc("GET /v1/ws", ws.Handle(s.hub, func(r *http.Request) (int64, bool) {
		return auth.AccountIDFrom(r.Context())
	}, s.logger.With("component", "websocket")))

	authMiddleware := middleware.RequireAuth(s.cfg.TokenSecret)
	outerMux.Handle("/v1/", authMiddleware(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, 10, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}
