package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mwinters/roadlog/internal/access"
	"github.com/mwinters/roadlog/internal/backup"
	"github.com/mwinters/roadlog/internal/clock"
	"github.com/mwinters/roadlog/internal/database"
	"github.com/mwinters/roadlog/internal/logging"
	"github.com/mwinters/roadlog/internal/protocol"
	"github.com/mwinters/roadlog/internal/queue"
	"github.com/mwinters/roadlog/internal/store"
	"github.com/mwinters/roadlog/internal/syncengine"
)

func main() {
	logger := logging.Setup(os.Getenv("ROADLOG_LOG_LEVEL"))

	dbPath := os.Getenv("ROADLOG_DB_PATH")
	if dbPath == "" {
		dbPath = "roadlog.db"
	}

	serverURL := os.Getenv("ROADLOG_SERVER_URL")
	token := os.Getenv("ROADLOG_TOKEN")
	if serverURL == "" || token == "" {
		slog.Error("ROADLOG_SERVER_URL and ROADLOG_TOKEN are required")
		os.Exit(1)
	}

	accountID, err := strconv.ParseInt(os.Getenv("ROADLOG_ACCOUNT_ID"), 10, 64)
	if err != nil || accountID <= 0 {
		slog.Error("ROADLOG_ACCOUNT_ID must be a positive integer")
		os.Exit(1)
	}

	db, err := database.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// A missing anchor secret leaves the clock permanently untrusted and
	// the agent fails secure on every time-bounded entitlement.
	var anchorStore *clock.AnchorStore
	if secret := os.Getenv("ROADLOG_ANCHOR_SECRET"); secret != "" {
		anchorPath := os.Getenv("ROADLOG_ANCHOR_PATH")
		if anchorPath == "" {
			anchorPath = dbPath + ".anchor"
		}
		anchorStore, err = clock.NewAnchorStore(anchorPath, secret)
		if err != nil {
			slog.Error("anchor store", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("ROADLOG_ANCHOR_SECRET unset; clock stays untrusted")
	}
	clk := clock.New(anchorStore, clock.Config{}, logger.With("component", "clock"))

	mutationStore := store.NewMutationStore(db)
	cursorStore := store.NewCursorStore(db)
	entityStore := store.NewEntityStore(db)
	accountStore := store.NewAccountStore(db)

	q := queue.New(mutationStore, queue.Config{}, logger.With("component", "queue"))
	client := syncengine.NewClient(serverURL, token)
	engine := syncengine.New(db, q, cursorStore, entityStore, accountStore, clk, client, accountID, syncengine.Config{}, logger.With("component", "sync"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx)
	defer engine.Stop()

	hints := syncengine.NewHintListener(serverURL, token, engine, logger.With("component", "hints"))
	hints.Start(ctx)
	defer hints.Stop()

	backupMgr := backup.NewManager(backup.Config{
		S3: backup.S3Config{
			Endpoint:  os.Getenv("ROADLOG_S3_ENDPOINT"),
			Bucket:    os.Getenv("ROADLOG_S3_BUCKET"),
			Region:    os.Getenv("ROADLOG_S3_REGION"),
			AccessKey: os.Getenv("ROADLOG_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("ROADLOG_S3_SECRET_KEY"),
		},
		DBPath:     dbPath,
		Passphrase: os.Getenv("ROADLOG_BACKUP_PASSPHRASE"),
		Prefix:     strconv.FormatInt(accountID, 10),
	}, db, nil, logger.With("component", "backup"))
	backupMgr.Start(ctx)
	defer backupMgr.Stop()

	// Local status endpoint for the UI shell.
	statusAddr := os.Getenv("ROADLOG_STATUS_ADDR")
	if statusAddr == "" {
		statusAddr = "127.0.0.1:7821"
	}
	statusServer := &http.Server{
		Addr:         statusAddr,
		Handler:      statusHandler(engine, client, q, accountStore, clk, backupMgr),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("roadlog agent running", "status_addr", statusAddr)
		if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("status server error", "error", err)
			os.Exit(1)
		}
	}()

	// First sync shortly after start so a fresh device converges fast.
	go func() {
		if err := engine.SyncNow(ctx); err != nil {
			slog.Warn("initial sync failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

func statusHandler(engine *syncengine.Engine, client *syncengine.Client, q *queue.Queue, accounts *store.AccountStore, clk *clock.Clock, backupMgr *backup.Manager) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		sub, err := accounts.GetSubscription()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		lic, err := accounts.GetLicense()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		decision := access.Evaluate(sub, lic, clk.Read(), access.Policy{DenyExportOnTrialLastDay: true})
		pending, _ := q.Len()
		parked, _ := q.NeedsAttention()

		var lastError string
		if err := engine.LastError(); err != nil {
			lastError = err.Error()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"sync_state":      engine.State(),
			"sync_error":      lastError,
			"pending":         pending,
			"needs_attention": len(parked),
			"access":          decision,
			"clock_trusted":   clk.Read().Trusted,
			"backup":          backupMgr.Status(),
		})
	})

	mux.HandleFunc("POST /sync", func(w http.ResponseWriter, r *http.Request) {
		if err := engine.SyncNow(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /license/assign", licenseEndpoint(engine, client.AssignLicense))
	mux.HandleFunc("POST /license/unlink", licenseEndpoint(engine, client.RequestUnlink))
	mux.HandleFunc("POST /license/cancel-unlink", licenseEndpoint(engine, client.CancelUnlink))

	return mux
}

// licenseEndpoint relays a pool RPC to the server and surfaces the tagged
// outcome to the UI shell. A state-changing outcome kicks a sync so the
// local snapshot converges without waiting for the next tick.
func licenseEndpoint(engine *syncengine.Engine, call func(context.Context, protocol.LicenseRequest) (*protocol.LicenseResponse, time.Time, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req protocol.LicenseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		resp, _, err := call(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		switch resp.Outcome {
		case protocol.LicenseAssigned, protocol.LicenseUnlinkRequested, protocol.LicenseUnlinkCanceled:
			go func() {
				if err := engine.SyncNow(context.Background()); err != nil {
					slog.Warn("post-license sync failed", "error", err)
				}
			}()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
