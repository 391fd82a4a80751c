package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sentinai/sentinai/internal/aianalyzer"
	"github.com/sentinai/sentinai/internal/auditlog"
	"github.com/sentinai/sentinai/internal/config"
	"github.com/sentinai/sentinai/internal/contentscan"
	"github.com/sentinai/sentinai/internal/engine"
	"github.com/sentinai/sentinai/internal/filteradapter"
	"github.com/sentinai/sentinai/internal/modules/bola"
	"github.com/sentinai/sentinai/internal/modules/costprotection"
	"github.com/sentinai/sentinai/internal/modules/credguard"
	"github.com/sentinai/sentinai/internal/modules/dlp"
	"github.com/sentinai/sentinai/internal/modules/queryshield"
	"github.com/sentinai/sentinai/internal/registry"
	"github.com/sentinai/sentinai/internal/store"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SentinAI demo server with the filter adapter wired in front of a sample handler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				cfg = config.Defaults()
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

			st, err := buildStore(cfg)
			if err != nil {
				return fmt.Errorf("building decision store: %w", err)
			}
			defer func() { _ = st.Close() }()

			ai := buildAnalyzer(cfg, logger)
			reg := buildRegistry(logger)

			audit, err := auditlog.Open("sentinai.db", logger)
			if err != nil {
				return fmt.Errorf("opening audit log: %w", err)
			}
			defer func() { _ = audit.Close() }()

			eng := engine.New(cfg, reg, st, ai, audit, logger)

			adapter := filteradapter.New(eng, nil, logger)

			mux := http.NewServeMux()
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
			})
			mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(map[string]string{"message": "request allowed"})
			})

			if bind == "" {
				bind = "127.0.0.1:8443"
			}
			srv := &http.Server{Addr: bind, Handler: adapter.Middleware(mux)}

			printBanner(cfg, bind)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return err
				}
				return eng.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "address to bind (default: 127.0.0.1:8443)")
	return cmd
}

func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Type {
	case config.StoreDistributed:
		return store.NewRedis(cfg.Store.DistributedURL)
	default:
		return store.NewMemory(), nil
	}
}

func buildAnalyzer(cfg *config.Config, logger *slog.Logger) *aianalyzer.Analyzer {
	if cfg.AI.Provider == "" {
		return aianalyzer.New(nil, logger)
	}
	client := aianalyzer.NewHTTPClient(cfg.AI.BaseURL, cfg.AI.APIKey, cfg.AI.Model)
	return aianalyzer.New(client, logger)
}

func buildRegistry(logger *slog.Logger) *registry.Registry {
	scanner := contentscan.New(logger)
	return registry.New([]registry.Module{
		credguard.New(),
		queryshield.New(scanner),
		bola.New(),
		dlp.New(),
		costprotection.New(),
	})
}

func printBanner(cfg *config.Config, bind string) {
	fmt.Println()
	labelColor.Println("  sentinai")
	fmt.Println("  ────────────────────────────────────────")
	fmt.Printf("  Listening:  http://%s\n", bind)
	fmt.Printf("  Health:     http://%s/health\n", bind)
	fmt.Println("  ────────────────────────────────────────")
	fmt.Printf("  Mode:  %s\n", colorizeMode(string(cfg.Mode)))
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop.")
	fmt.Println()
}
