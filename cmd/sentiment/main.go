package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pocketparent/Sentiment-by-Hatchling/internal/api"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/billing"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/config"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/logging"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/notify"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/reminder"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/store"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/verify"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var dataDir string

var rootCmd = &cobra.Command{
	Use:     "sentiment",
	Short:   "Sentiment - entitlement and reminder backend",
	Long:    `Sentiment runs the billing entitlement state machine and the journaling reminder scheduler behind the Sentiment web app`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Sentiment %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "data directory (default from SENTIMENT_DATA_PATH or /var/lib/sentiment)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(hashTokenCmd)
	rootCmd.AddCommand(overrideCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup messages.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "sentiment",
	})

	cfg, err := config.Load(dataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "sentiment",
		FilePath:  cfg.LogFile,
	})
	defer logging.Shutdown()

	log.Info().Str("version", Version).Msg("Starting Sentiment backend")

	st, err := store.Open(cfg.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveMetrics(ctx, fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.MetricsPort))

	hub := websocket.NewHub(func() any { return liveSnapshot(st) })
	go hub.Run(ctx)

	// Stream log lines onto the admin feed alongside transitions and
	// dispatch results.
	logging.SetTap(hub.OfferLog)
	defer logging.SetTap(nil)

	dispatcher, codeSender := buildDispatcher(cfg, st)
	processor := billing.NewProcessor(st, hub)
	verifier := verify.New(st, codeSender, cfg.VerifyCodeTTL)
	webhook := billing.NewWebhookHandler(cfg.StripeWebhookSecret, processor, st)

	if cfg.SchedulerEnabled {
		sched := reminder.New(st, dispatcher, hub, reminder.Options{
			Interval:        cfg.ScanInterval,
			BatchLimit:      cfg.ScanBatchLimit,
			Workers:         cfg.DispatchWorkers,
			DispatchTimeout: cfg.DispatchTimeout,
		})
		go sched.Run(ctx)
	} else {
		log.Warn().Msg("Reminder scheduler disabled by configuration")
	}

	janitor := store.NewJanitor(st, cfg.EventRetention)
	go janitor.Run(ctx)

	router := api.NewRouter(cfg, st, processor, verifier, hub, webhook)

	// WebSocket connections manage their own deadlines, so only the header
	// read gets a server-level timeout.
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	watcher, err := config.NewWatcher(cfg.DataPath, func(updated *config.Config) {
		logging.Init(logging.Config{
			Format:    updated.LogFormat,
			Level:     updated.LogLevel,
			Component: "sentiment",
			FilePath:  updated.LogFile,
		})
		log.Info().Msg("Runtime configuration reloaded; transport changes require a restart")
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, .env changes will require restart")
	} else {
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer watcher.Stop()
	}

	go func() {
		log.Info().
			Str("host", cfg.ListenHost).
			Int("port", cfg.ListenPort).
			Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading configuration...")
			if watcher != nil {
				watcher.Reload()
			}
		case <-sigChan:
			log.Info().Msg("Shutting down server...")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Server shutdown error")
			}
			cancel()
			log.Info().Msg("Server stopped")
			return
		}
	}
}

// buildDispatcher selects the reminder transport and the verification code
// sender. The webhook transport cannot deliver verification codes, so those
// fall back to the log sender.
func buildDispatcher(cfg *config.Config, st *store.Store) (notify.Dispatcher, verify.CodeSender) {
	policy := notify.DestinationPolicy{
		Allow: cfg.SMSAllowPatterns,
		Deny:  cfg.SMSDenyPatterns,
	}

	switch cfg.NotifyTransport {
	case "sms":
		directory := func(_ context.Context, userID string) (string, error) {
			return st.ContactPhone(userID)
		}
		sms := notify.NewSMSDispatcher(
			cfg.SMSBaseURL, cfg.SMSAccountID, cfg.SMSAuthToken, cfg.SMSFromNumber,
			directory, policy,
		)
		return sms, sms
	case "webhook":
		return notify.NewWebhookDispatcher(cfg.NotifyWebhookURL, policy), notify.LogDispatcher{}
	default:
		return notify.LogDispatcher{}, notify.LogDispatcher{}
	}
}

// liveSnapshot is the state sent to an admin feed client on connect.
func liveSnapshot(st *store.Store) map[string]any {
	snapshot := map[string]any{}
	if byStatus, err := st.CountEntitlementsByStatus(); err == nil {
		counts := make(map[string]int, len(byStatus))
		for status, n := range byStatus {
			counts[string(status)] = n
		}
		snapshot["entitlements_by_status"] = counts
	}
	if active, due, err := st.ReminderStats(time.Now().UTC()); err == nil {
		snapshot["reminders_active"] = active
		snapshot["reminders_due"] = due
	}
	return snapshot
}
