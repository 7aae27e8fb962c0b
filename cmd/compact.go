package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/illarion/lockwallet/internal/wallet"
	"github.com/spf13/cobra"
)

// formatSize formats a file size in human-readable form
func formatSize(size int64) string {
	const (
		KB = 1024
		MB = KB * 1024
	)

	switch {
	case size >= MB:
		return fmt.Sprintf("%.1f MB", float64(size)/MB)
	case size >= KB:
		return fmt.Sprintf("%.1f KB", float64(size)/KB)
	default:
		return fmt.Sprintf("%d B", size)
	}
}

func newCompactCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Compact the wallet database to reclaim disk space",
		Long: `Compacts the wallet database. Password changes and destroy already do this.
Does not require a password.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := a.open()
			if err != nil {
				return err
			}
			st, err := w.Status()
			if err != nil {
				return err
			}
			dbPath := filepath.Join(st.DataDir, wallet.DatabaseFile)

			info, err := os.Stat(dbPath)
			if err != nil {
				return err
			}
			before := info.Size()

			if err := w.Compact(); err != nil {
				return err
			}

			info, err = os.Stat(dbPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Compacted: %s -> %s\n",
				formatSize(before), formatSize(info.Size()))
			return nil
		},
	}
}
