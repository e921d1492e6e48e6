package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tronsfer/tronsfer/internal/vault"
)

var vaultCmd = &cobra.Command{
	Use:   `vault`,
	Short: `list past transfers`,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openVault(cmd)
		if err != nil {
			return err
		}
		records, err := v.List()
		if err != nil {
			return fmt.Errorf("failed to read vault: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("vault is empty")
			return nil
		}
		for _, r := range records {
			when := time.Unix(r.CreatedAt, 0).Format("2006-01-02 15:04")
			peer := r.Nickname
			if peer == "" {
				peer = r.PeerID
			}
			fmt.Printf("  %s  %-8s  %-20s %8d bytes  %s\n", when, r.Direction, r.Name, r.Size, peer)
		}
		return nil
	},
}

var vaultWipeCmd = &cobra.Command{
	Use:   `wipe`,
	Short: `delete the whole transfer history`,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openVault(cmd)
		if err != nil {
			return err
		}
		if err := v.Wipe(); err != nil {
			return fmt.Errorf("failed to wipe vault: %w", err)
		}
		fmt.Println("vault wiped")
		return nil
	},
}

func openVault(cmd *cobra.Command) (*vault.Vault, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	v, err := vault.Open(cfg.VaultPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}
	return v, nil
}

func init() {
	vaultCmd.AddCommand(vaultWipeCmd)
}
