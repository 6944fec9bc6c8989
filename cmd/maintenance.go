package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/karlorz/cmux/internal/ledger"
	"github.com/karlorz/cmux/internal/maintenance"
	"github.com/karlorz/cmux/internal/registry"
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance <job>",
	Short: "Run one maintenance job out of band and exit",
	Long: fmt.Sprintf(`Run a single maintenance job with the same semantics as the daily schedule.

Jobs: %s`, strings.Join([]string{
		maintenance.JobPauseOld,
		maintenance.JobStopOld,
		maintenance.JobCleanupOrphans,
	}, ", ")),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resolveEnvFallbacks()
		durationEnvFallback(cmd, "idle-threshold", "IDLE_THRESHOLD", &idleThreshold)
		durationEnvFallback(cmd, "retention-threshold", "RETENTION_THRESHOLD", &retentionThreshold)
		if dbURL == "" {
			return fmt.Errorf("--db-url or DATABASE_URL is required")
		}

		activity, err := ledger.Open(dbURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer activity.Close()

		providers, err := buildProviders()
		if err != nil {
			return err
		}
		if len(providers.All()) == 0 {
			return fmt.Errorf("no sandbox providers configured")
		}

		var reg registry.Client
		if registryURL != "" {
			reg = registry.NewGraphQLClient(registry.Config{URL: registryURL, AdminSecret: registryToken})
		}

		maintainer := maintenance.New(providers, activity, reg, maintenance.Config{
			IdleThreshold:      idleThreshold,
			RetentionThreshold: retentionThreshold,
		})

		job := args[0]
		start := time.Now()
		if err := maintainer.RunJob(cmd.Context(), job); err != nil {
			return err
		}
		log.Info().Str("job", job).Dur("took", time.Since(start)).Msg("maintenance job finished")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(maintenanceCmd)
	maintenanceCmd.Flags().StringVar(&dbURL, "db-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	maintenanceCmd.Flags().StringVar(&registryURL, "registry-url", "", "Task-run registry GraphQL endpoint (or REGISTRY_GRAPHQL_URL env)")
	maintenanceCmd.Flags().StringVar(&registryToken, "registry-secret", "", "Registry admin secret (or REGISTRY_ADMIN_SECRET env)")
	maintenanceCmd.Flags().DurationVar(&idleThreshold, "idle-threshold", 8*time.Hour, "Idle time before a running instance is paused")
	maintenanceCmd.Flags().DurationVar(&retentionThreshold, "retention-threshold", 14*24*time.Hour, "Paused time before an instance is stopped for good")
	maintenanceCmd.Flags().StringVar(&morphAPIKey, "morph-api-key", "", "Morph Cloud API key (or MORPH_API_KEY env)")
	maintenanceCmd.Flags().StringVar(&e2bAPIKey, "e2b-api-key", "", "E2B API key (or E2B_API_KEY env)")
	maintenanceCmd.Flags().StringVar(&e2bDomain, "e2b-domain", "", "E2B API domain override")
	maintenanceCmd.Flags().StringVar(&pveURL, "pve-url", "", "Proxmox VE API base URL (or PVE_URL env)")
	maintenanceCmd.Flags().StringVar(&pveNode, "pve-node", "", "Proxmox VE node name")
	maintenanceCmd.Flags().StringVar(&pveTokenID, "pve-token-id", "", "Proxmox VE API token id (user@realm!tokenid)")
	maintenanceCmd.Flags().StringVar(&pveSecret, "pve-token-secret", "", "Proxmox VE API token secret (or PVE_TOKEN_SECRET env)")
	maintenanceCmd.Flags().StringVar(&pveHostIP, "pve-host-ip", "", "Address PVE containers are reachable on")
	maintenanceCmd.Flags().StringVar(&dockerImage, "docker-image", "", "Enable the local Docker backend with this sandbox image")
}
