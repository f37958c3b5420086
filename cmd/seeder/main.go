// cmd/seeder/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unclebandit/dropleopard/internal/config"
	"github.com/unclebandit/dropleopard/internal/db"
	"github.com/unclebandit/dropleopard/internal/logging"
	"github.com/unclebandit/dropleopard/internal/service"
)

var (
	idCount    int
	name       string
	videoURL   string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "seeder",
	Short: "Generate campaign IDs and seed campaigns",
	Long: `seeder mints campaign IDs and creates campaigns directly in the store
configured by the environment (STORAGE_DRIVER, STORAGE_PATH, DB_*).

Examples:
  seeder id --count 5
  seeder create --name "Range Rider Denim" --video https://example.com/v.mp4
  seeder create --config ./campaign.yaml`,
	SilenceUsage: true,
}

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print fresh campaign IDs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := generateIDs(idCount)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a campaign from flags or a YAML definition",
	RunE:  runCreate,
}

func init() {
	idCmd.Flags().IntVar(&idCount, "count", 1, "number of IDs to generate")
	createCmd.Flags().StringVar(&name, "name", "", "product name")
	createCmd.Flags().StringVar(&videoURL, "video", "", "product video URL")
	createCmd.Flags().StringVar(&configPath, "config", "", "YAML campaign definition")
	rootCmd.AddCommand(idCmd, createCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// generateIDs returns count distinct campaign IDs.
func generateIDs(count int) ([]string, error) {
	if count < 1 {
		return nil, fmt.Errorf("--count must be at least 1")
	}
	seen := make(map[string]bool, count)
	ids := make([]string, 0, count)
	for len(ids) < count {
		id, err := service.RandomCampaignID()
		if err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.App.LogLevel, cfg.App.Environment)
	if err != nil {
		return err
	}
	defer logger.Sync()

	campaign := service.NewCampaignTemplate(name, videoURL, time.Now())
	campaign.SMS.Domain = cfg.SMS.Domain
	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", configPath, err)
		}
		def, err := loadDefinition(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
		def.apply(campaign)
	}

	store, err := db.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := &service.CampaignService{
		CampaignRepo:    store.Campaigns(),
		ParticipantRepo: store.Participants(),
		Logger:          logger,
	}
	created, err := svc.CreateCampaign(ctx, campaign)
	if err != nil {
		logger.Error("failed to create campaign", zap.Error(err))
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created campaign %s (%s)\n", created.ID, created.ProductName)
	fmt.Fprintf(out, "Landing page: %s/?v=%s\n", created.SMS.Domain, created.ID)
	fmt.Fprintf(out, "Ends: %s\n", created.CountdownEnd.Format(time.RFC1123))
	return nil
}
