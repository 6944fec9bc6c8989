package cmd

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

	"github.com/karlorz/cmux/internal/ledger"
	"github.com/karlorz/cmux/internal/maintenance"
	"github.com/karlorz/cmux/internal/preflight"
	"github.com/karlorz/cmux/internal/provider"
	"github.com/karlorz/cmux/internal/registry"
	"github.com/karlorz/cmux/internal/server"
)

var (
	port          int
	dbURL         string
	registryURL   string
	registryToken string

	idleThreshold      time.Duration
	retentionThreshold time.Duration
	maintenanceAt      string

	morphAPIKey string
	e2bAPIKey   string
	e2bDomain   string
	pveURL      string
	pveNode     string
	pveTokenID  string
	pveSecret   string
	pveHostIP   string
	dockerImage string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator HTTP server and maintenance scheduler",
	Run: func(cmd *cobra.Command, args []string) {
		resolveEnvFallbacks()
		durationEnvFallback(cmd, "idle-threshold", "IDLE_THRESHOLD", &idleThreshold)
		durationEnvFallback(cmd, "retention-threshold", "RETENTION_THRESHOLD", &retentionThreshold)
		if dbURL == "" {
			log.Fatal().Msg("--db-url or DATABASE_URL is required")
		}

		activity, err := ledger.Open(dbURL)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		defer activity.Close()
		log.Info().Msg("connected to PostgreSQL")

		providers, err := buildProviders()
		if err != nil {
			log.Fatal().Err(err).Msg("provider setup failed")
		}
		if len(providers.All()) == 0 {
			log.Fatal().Msg("no sandbox providers configured")
		}
		for _, p := range providers.All() {
			log.Info().Str("provider", p.Name()).Msg("provider configured")
		}

		var reg registry.Client
		if registryURL != "" {
			reg = registry.NewGraphQLClient(registry.Config{URL: registryURL, AdminSecret: registryToken})
		} else {
			log.Warn().Msg("task-run registry not configured, orphan cleanup disabled")
		}

		maintainer := maintenance.New(providers, activity, reg, maintenance.Config{
			IdleThreshold:      idleThreshold,
			RetentionThreshold: retentionThreshold,
		})
		scheduler, err := maintenance.NewScheduler(maintainer, maintenanceAt)
		if err != nil {
			log.Fatal().Err(err).Msg("scheduler setup failed")
		}
		scheduler.Start()
		log.Info().Str("at", maintenanceAt).
			Dur("idle_threshold", idleThreshold).
			Dur("retention_threshold", retentionThreshold).
			Msg("maintenance scheduler started")

		srv := &server.Server{
			Providers: providers,
			Jobs:      maintainer,
			Activity:  activity,
			Preflight: &preflight.Handler{Providers: providers, Activity: activity},
		}
		addr := fmt.Sprintf(":%d", port)
		httpServer := &http.Server{Addr: addr, Handler: srv.Router()}

		// Graceful shutdown on SIGTERM/SIGINT
		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			sig := <-sigCh
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			scheduler.Stop()
			httpServer.Shutdown(context.Background())
		}()

		log.Info().Str("addr", addr).Msg("starting cmuxd")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	},
}

// resolveEnvFallbacks fills unset flags from the environment, flag wins.
func resolveEnvFallbacks() {
	fallback(&dbURL, "DATABASE_URL")
	fallback(&registryURL, "REGISTRY_GRAPHQL_URL")
	fallback(&registryToken, "REGISTRY_ADMIN_SECRET")
	fallback(&morphAPIKey, "MORPH_API_KEY")
	fallback(&e2bAPIKey, "E2B_API_KEY")
	fallback(&e2bDomain, "E2B_DOMAIN")
	fallback(&pveURL, "PVE_URL")
	fallback(&pveNode, "PVE_NODE")
	fallback(&pveTokenID, "PVE_TOKEN_ID")
	fallback(&pveSecret, "PVE_TOKEN_SECRET")
	fallback(&pveHostIP, "PVE_HOST_IP")
}

func fallback(dst *string, key string) {
	if *dst == "" {
		*dst = os.Getenv(key)
	}
}

func durationEnvFallback(cmd *cobra.Command, flag, key string, dst *time.Duration) {
	if cmd.Flags().Changed(flag) {
		return
	}
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// buildProviders assembles the registry from whichever backends have
// credentials. Iteration order fixes the lookup order for preview URLs.
func buildProviders() (*provider.Registry, error) {
	var backends []provider.Provider
	if morphAPIKey != "" {
		backends = append(backends, provider.NewMorph(provider.MorphConfig{APIKey: morphAPIKey}))
	}
	if pveURL != "" {
		if pveNode == "" || pveTokenID == "" || pveSecret == "" {
			return nil, fmt.Errorf("pve-lxc backend needs --pve-node, --pve-token-id and PVE_TOKEN_SECRET")
		}
		backends = append(backends, provider.NewPVELXC(provider.PVELXCConfig{
			BaseURL: pveURL,
			Node:    pveNode,
			TokenID: pveTokenID,
			Secret:  pveSecret,
			HostIP:  pveHostIP,
		}))
	}
	if e2bAPIKey != "" {
		backends = append(backends, provider.NewE2B(provider.E2BConfig{APIKey: e2bAPIKey, Domain: e2bDomain}))
	}
	if dockerImage != "" {
		docker, err := provider.NewDocker(provider.DockerConfig{Image: dockerImage})
		if err != nil {
			return nil, fmt.Errorf("docker backend unavailable: %w", err)
		}
		backends = append(backends, docker)
	}
	return provider.NewRegistry(backends...), nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&dbURL, "db-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	serveCmd.Flags().StringVar(&registryURL, "registry-url", "", "Task-run registry GraphQL endpoint (or REGISTRY_GRAPHQL_URL env)")
	serveCmd.Flags().StringVar(&registryToken, "registry-secret", "", "Registry admin secret (or REGISTRY_ADMIN_SECRET env)")
	serveCmd.Flags().DurationVar(&idleThreshold, "idle-threshold", 8*time.Hour, "Idle time before a running instance is paused")
	serveCmd.Flags().DurationVar(&retentionThreshold, "retention-threshold", 14*24*time.Hour, "Paused time before an instance is stopped for good")
	serveCmd.Flags().StringVar(&maintenanceAt, "maintenance-at", "04:00", "Local time of day the daily maintenance jobs run")
	serveCmd.Flags().StringVar(&morphAPIKey, "morph-api-key", "", "Morph Cloud API key (or MORPH_API_KEY env)")
	serveCmd.Flags().StringVar(&e2bAPIKey, "e2b-api-key", "", "E2B API key (or E2B_API_KEY env)")
	serveCmd.Flags().StringVar(&e2bDomain, "e2b-domain", "", "E2B API domain override")
	serveCmd.Flags().StringVar(&pveURL, "pve-url", "", "Proxmox VE API base URL (or PVE_URL env)")
	serveCmd.Flags().StringVar(&pveNode, "pve-node", "", "Proxmox VE node name")
	serveCmd.Flags().StringVar(&pveTokenID, "pve-token-id", "", "Proxmox VE API token id (user@realm!tokenid)")
	serveCmd.Flags().StringVar(&pveSecret, "pve-token-secret", "", "Proxmox VE API token secret (or PVE_TOKEN_SECRET env)")
	serveCmd.Flags().StringVar(&pveHostIP, "pve-host-ip", "", "Address PVE containers are reachable on")
	serveCmd.Flags().StringVar(&dockerImage, "docker-image", "", "Enable the local Docker backend with this sandbox image")
}
