package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
	"github.com/dogeorg/ledgerbox/pkg/system"
)

var restoreCmd = &cobra.Command{
	Use:   "restore [id]",
	Short: "Replace the ledger with the contents of a backup",
	Long: `Restore replaces the live ledger and its attachments with the contents of
a backup. The backup is named by its catalog id, by --file for an archive
anywhere on disk, or by --remote for an object on the configured remote.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := restoreOptions(cmd, args)
		if err != nil {
			return err
		}

		return withApp(func(a *app) error {
			var m ledgerbox.ArchiveManifest
			err := withProgress("Restoring "+opts.Source(), plainOutput, func(l system.ProgressListener) error {
				var err error
				m, err = a.svc.RestoreBackup(context.Background(), opts, l)
				return err
			})
			if ledgerbox.IsFatalStoreError(err) {
				return fmt.Errorf("%s: %w", ledgerbox.UserMessage(err), err)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Restored backup made by version %s on %s\n", m.FormatVersion, m.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			return nil
		})
	},
}

func restoreOptions(cmd *cobra.Command, args []string) (ledgerbox.RestoreBackup, error) {
	file, _ := cmd.Flags().GetString("file")
	remoteName, _ := cmd.Flags().GetString("remote")

	opts := ledgerbox.RestoreBackup{SourcePath: file, RemoteName: remoteName}
	if len(args) == 1 {
		opts.ID = args[0]
	}

	set := 0
	for _, s := range []string{opts.ID, opts.SourcePath, opts.RemoteName} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return opts, errors.New("give exactly one of a backup id, --file or --remote")
	}
	return opts, nil
}

func init() {
	restoreCmd.Flags().String("file", "", "restore from an archive file")
	restoreCmd.Flags().String("remote", "", "restore from an object on the configured remote")
	restoreCmd.Flags().BoolVar(&plainOutput, "plain", false, "print one line per stage instead of a progress bar")
	rootCmd.AddCommand(restoreCmd)
}
