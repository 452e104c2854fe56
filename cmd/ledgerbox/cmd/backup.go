package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
	"github.com/dogeorg/ledgerbox/pkg/system"
	"github.com/dogeorg/ledgerbox/pkg/utils"
)

var plainOutput bool

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create and manage backup archives",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new backup archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		upload, _ := cmd.Flags().GetBool("upload")
		compression, _ := cmd.Flags().GetString("compression")

		opts := ledgerbox.CreateBackup{Upload: upload}
		if compression != "" {
			m, err := ledgerbox.ParseCompressionMethod(compression)
			if err != nil {
				return err
			}
			opts.Compression = m
		}

		return withApp(func(a *app) error {
			var info ledgerbox.BackupInfo
			err := withProgress("Creating backup", plainOutput, func(l system.ProgressListener) error {
				var err error
				info, err = a.svc.CreateBackup(context.Background(), opts, l)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Printf("Backup %s written to %s (%s)\n", info.ID, info.ArchivePath, utils.PrettyPrintDiskSize(info.Size))
			return nil
		})
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups in the catalog, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			list, err := a.svc.Catalog().List()
			if err != nil {
				return err
			}
			printBackups(os.Stdout, list)
			return nil
		})
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a backup from the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			if err := a.svc.Catalog().Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted backup %s\n", args[0])
			return nil
		})
	},
}

var backupExportCmd = &cobra.Command{
	Use:   "export <id> <dir>",
	Short: "Copy a backup archive out of the catalog",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			path, err := a.svc.Catalog().ExportForSharing(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		})
	},
}

var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, _ := cmd.Flags().GetInt("keep")
		return withApp(func(a *app) error {
			removed, err := a.svc.Catalog().Prune(keep)
			for _, id := range removed {
				fmt.Printf("Deleted backup %s\n", id)
			}
			if err != nil {
				return err
			}
			fmt.Printf("%d backup(s) removed\n", len(removed))
			return nil
		})
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <id>",
	Short: "Decode a backup archive fully and check its manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			m, err := a.svc.Catalog().Verify(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Backup %s is valid: version %s, %d file(s), %s compression\n",
				args[0], m.FormatVersion, m.FileCount, m.CompressionMethod)
			return nil
		})
	},
}

func printBackups(w io.Writer, list []ledgerbox.BackupInfo) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No backups found")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("241"))).
		Headers("ID", "CREATED", "VERSION", "SIZE")
	for _, b := range list {
		t.Row(b.ID, b.Date.Local().Format("2006-01-02 15:04:05"), b.AppVersion, utils.PrettyPrintDiskSize(b.Size))
	}
	fmt.Fprintln(w, t.Render())
}

// withApp runs fn against a freshly opened app. Logs go to the log file
// only so they do not tear the progress display.
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, io.Discard)
	if err != nil {
		return err
	}
	a, err := openApp(cfg, log, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func init() {
	backupCmd.PersistentFlags().BoolVar(&plainOutput, "plain", false, "print one line per stage instead of a progress bar")

	backupCreateCmd.Flags().Bool("upload", false, "also upload the archive to the configured remote")
	backupCreateCmd.Flags().String("compression", "", "archive compression (none, lz)")
	backupPruneCmd.Flags().Int("keep", 5, "number of newest backups to keep")

	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupDeleteCmd, backupExportCmd, backupPruneCmd, backupVerifyCmd)
	rootCmd.AddCommand(backupCmd)
}
