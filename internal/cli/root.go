// Package cli is the terminal front end: a cobra root command that
// runs an interactive peer, plus the vault history subcommands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tronsfer/tronsfer/internal/config"
	"github.com/tronsfer/tronsfer/internal/logger"
)

var (
	flagConfig     string
	flagNickname   string
	flagBroker     string
	flagAutoAccept bool
	flagVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:  `tronsfer`,
	Long: `tronsfer is an ephemeral peer to peer file drop: find nearby peers, connect, and share`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := logger.NewLogger(cfg.Verbose)
		return runInteractive(cfg, log)
	},
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("nickname") {
		cfg.Nickname = flagNickname
	}
	if cmd.Flags().Changed("broker") {
		cfg.BrokerURL = flagBroker
	}
	if cmd.Flags().Changed("auto-accept") {
		cfg.AutoAccept = flagAutoAccept
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Verbose = flagVerbose
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	rootCmd.Flags().StringVarP(&flagNickname, "nickname", "n", "", "nickname shown to other peers")
	rootCmd.Flags().StringVar(&flagBroker, "broker", "", "presence broker url")
	rootCmd.Flags().BoolVar(&flagAutoAccept, "auto-accept", false, "accept incoming requests without asking")

	rootCmd.AddCommand(vaultCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
