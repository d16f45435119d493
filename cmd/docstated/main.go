package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type settings struct {
	Vault         string
	StorageDSN    string
	Addr          string
	LockMode      bool
	DebounceDelay time.Duration
}

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "docstated",
	Short: "Per-document editing-state persistence daemon",
	Long: `docstated persists per-document editing state (cursor, scroll, view mode)
for a vault of documents and serves it back to editor hosts over a websocket
bridge. It also enforces an optional protective lock per document.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default docstated.yaml in the vault or working directory)")
	rootCmd.PersistentFlags().String("vault", ".", "vault root containing the documents")
	rootCmd.PersistentFlags().String("storage", "", "record storage DSN (file://, memory://, sqlite://, postgres://; default file://<vault>/.docstate/records)")
	rootCmd.PersistentFlags().Bool("lock-mode", true, "enable the protective per-document lock")
	rootCmd.PersistentFlags().Duration("debounce", 500*time.Millisecond, "delay before a state change is persisted")

	for _, key := range []string{"vault", "storage", "lock-mode", "debounce"} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key)); err != nil {
			log.Fatalf("bind flag %s: %v", key, err)
		}
	}
}

func loadSettings() (settings, error) {
	viper.SetEnvPrefix("DOCSTATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("docstated")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(viper.GetString("vault"))
		viper.AddConfigPath(".")
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	vault := strings.TrimSpace(viper.GetString("vault"))
	if vault == "" {
		vault = "."
	}
	absVault, err := filepath.Abs(vault)
	if err != nil {
		return settings{}, fmt.Errorf("resolve vault: %w", err)
	}
	storage := strings.TrimSpace(viper.GetString("storage"))
	if storage == "" {
		storage = "file://" + filepath.Join(absVault, ".docstate", "records")
	}
	return settings{
		Vault:         absVault,
		StorageDSN:    storage,
		Addr:          viper.GetString("addr"),
		LockMode:      viper.GetBool("lock-mode"),
		DebounceDelay: viper.GetDuration("debounce"),
	}, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
