package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	serveCmd := newServeCommand()
	rootCmd := &cobra.Command{
		Use:   "content-node",
		Short: "Content node with clock-ordered replication",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: serveCmd.RunE,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(serveCmd, newInspectCommand(), newWriterTokenCommand(), newSignBlacklistCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("storage-path", defaults.GetString("storage.path"), "Root directory for stored content")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("node-endpoint", "", "Public endpoint of this node")
	flags.StringSlice("replica-peers", nil, "Endpoints of the other nodes in the replica set")
	flags.String("peer-signing-secret", "", "Secret shared by the replica set for peer tokens (overrides env)")
	flags.String("blacklist-operator", "", "Wallet allowed to sign blacklist mutations")
	flags.Int64("max-export-clock-range", defaults.GetInt64("export.max_clock_range"), "Clock values returned per export page")
	flags.Int64("sync-max-concurrent-jobs", defaults.GetInt64("sync.max_concurrent_jobs"), "Wallet syncs running at once")
	flags.StringSlice("transcode-candidates", nil, "Nodes that may transcode uploads on behalf of this node")
	flags.String("indexer-endpoint", "", "Indexer used to check blacklisted ids exist")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "storage.path", "storage-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "node.endpoint", "node-endpoint")
	bindFlag(cmd, "node.replica_peers", "replica-peers")
	bindFlag(cmd, "peer.signing_secret", "peer-signing-secret")
	bindFlag(cmd, "blacklist.operator_wallet", "blacklist-operator")
	bindFlag(cmd, "export.max_clock_range", "max-export-clock-range")
	bindFlag(cmd, "sync.max_concurrent_jobs", "sync-max-concurrent-jobs")
	bindFlag(cmd, "transcode.candidates", "transcode-candidates")
	bindFlag(cmd, "indexer.endpoint", "indexer-endpoint")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
