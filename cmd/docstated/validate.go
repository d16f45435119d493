package main

import (
	"fmt"
	"log"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ivan-mezentsev/anti-ephemeral-state/internal/docstate"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check every stored record, repairing or removing broken ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadSettings()
		if err != nil {
			return err
		}
		return runValidate(cfg)
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cfg settings) error {
	logger := log.New(os.Stderr, "docstated: ", log.LstdFlags)

	backend, err := docstate.BuildBackendFromDSN(cfg.StorageDSN)
	if err != nil {
		return fmt.Errorf("storage backend: %w", err)
	}
	if backend == nil {
		return fmt.Errorf("storage DSN is required")
	}
	defer backend.Close()

	store, err := docstate.NewRecordStore(docstate.RecordStoreOptions{
		Backend:   backend,
		Documents: docstate.OSDocumentFS{Root: cfg.Vault},
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("record store: %w", err)
	}

	spinner, _ := pterm.DefaultSpinner.WithRemoveWhenDone(true).Start("validating records")
	report := store.ValidateAll()
	if spinner != nil {
		spinner.Stop()
	}

	rows := pterm.TableData{
		{"records scanned", fmt.Sprintf("%d", report.Total)},
		{"paths repaired", fmt.Sprintf("%d", report.FixedPaths)},
		{"removed (document missing)", fmt.Sprintf("%d", report.RemovedMissingNote)},
		{"removed (invalid entry)", fmt.Sprintf("%d", report.RemovedInvalidEntry)},
		{"errors", fmt.Sprintf("%d", report.Errors)},
	}
	if err := pterm.DefaultTable.WithData(rows).Render(); err != nil {
		return err
	}
	if report.Errors > 0 {
		pterm.Warning.Printfln("%d record(s) could not be processed, see log for details", report.Errors)
	} else {
		pterm.Success.Printfln("storage is consistent")
	}
	return nil
}
