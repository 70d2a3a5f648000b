package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/deepfake-detector/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "deepfake-detector",
	Short: "Ensemble deepfake detection for images and videos",
	Long:  "Scores images and sampled video frames with three classifiers, combines them with a weighted ensemble vote, and keeps a searchable detection history.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
