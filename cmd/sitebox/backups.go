package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"sitebox/internal/backup"
)

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List web root snapshots",
	Long:  `List the snapshots in BACKUP_DIR, newest first. "deploy --rollback" restores the newest.`,
	Args:  cobra.NoArgs,
	RunE:  runBackups,
}

func runBackups(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	snaps, err := backup.NewStore(cfg.BackupDir, nil).List()
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Printf("No snapshots in %s\n", cfg.BackupDir)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCREATED\tSIZE\tSOURCE")
	for i := len(snaps) - 1; i >= 0; i-- {
		s := snaps[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, humanize.Time(s.CreatedAt), humanize.Bytes(uint64(s.Size)), s.Source)
	}
	w.Flush()
	fmt.Printf("\n%d of %d snapshots kept in %s\n", len(snaps), cfg.MaxBackups, cfg.BackupDir)
	return nil
}
