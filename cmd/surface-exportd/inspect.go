package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/solarcloud7/clusterio-surface-export/pkg/controller"
	"github.com/solarcloud7/clusterio-surface-export/pkg/errdefs"
	"github.com/solarcloud7/clusterio-surface-export/pkg/jsonstore"
	"github.com/solarcloud7/clusterio-surface-export/pkg/txlog"
	"github.com/solarcloud7/clusterio-surface-export/pkg/types"
)

// Offline inspection of the persisted JSON state. Reads the same files
// the controller writes; safe to run while the controller is stopped.

var exportsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored exports",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		store, err := jsonstore.New(filepath.Join(cfg.DatabaseDirectory, controller.StorageFile))
		if err != nil {
			return err
		}

		var records []*types.Export
		if err := store.Load(&records); err != nil {
			if errors.Is(err, errdefs.ErrNotFound) {
				fmt.Println("No exports stored.")
				return nil
			}
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EXPORT ID\tPLATFORM\tINSTANCE\tSIZE\tSTORED AT")
		for _, rec := range records {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
				rec.ExportID, rec.PlatformName, rec.InstanceID, rec.Size,
				time.UnixMilli(rec.Timestamp).Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var logsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted transaction logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		store, err := jsonstore.New(filepath.Join(cfg.DatabaseDirectory, controller.TransactionLogsFile))
		if err != nil {
			return err
		}

		var entries []*txlog.PersistedEntry
		if err := store.Load(&entries); err != nil {
			if errors.Is(err, errdefs.ErrNotFound) {
				fmt.Println("No transaction logs persisted.")
				return nil
			}
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TRANSFER ID\tPLATFORM\tSTATUS\tRESULT\tDURATION\tEVENTS")
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			status, result, duration := "", "", ""
			if e.Summary != nil {
				status = string(e.Summary.Status)
				result = e.Summary.Result
				duration = e.Summary.Duration
			}
			platform := ""
			if e.TransferInfo != nil {
				platform = e.TransferInfo.PlatformName
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
				e.TransferID, platform, status, result, duration, len(e.Events))
		}
		return w.Flush()
	},
}
