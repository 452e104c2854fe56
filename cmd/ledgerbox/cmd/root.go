package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ledgerbox",
	Short: "Back up and restore a personal finance ledger",
	Long: `ledgerbox packs the ledger database and its receipt attachments into a
single versioned archive, keeps a local catalog of archives, optionally
publishes them to a remote store, and restores any of them in place.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.ledgerbox.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "directory holding the ledger, catalog and state")
	rootCmd.PersistentFlags().String("backup-dir", "", "catalog directory (default <data-dir>/backups)")
	rootCmd.PersistentFlags().String("tmp-dir", "", "staging directory (default <data-dir>/tmp)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "also write logs to this file, rotated")

	bindFlagOrPanic("data_dir", "data-dir")
	bindFlagOrPanic("backup_dir", "backup-dir")
	bindFlagOrPanic("tmp_dir", "tmp-dir")
	bindFlagOrPanic("log_level", "log-level")
	bindFlagOrPanic("log_file", "log-file")

	rootCmd.PersistentFlags().String("remote-kind", "", "remote store type (s3, http)")
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint host:port")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("remote-url", "", "base URL of an HTTP remote")

	bindFlagOrPanic("remote.kind", "remote-kind")
	bindFlagOrPanic("remote.endpoint", "s3-endpoint")
	bindFlagOrPanic("remote.bucket", "s3-bucket")
	bindFlagOrPanic("remote.prefix", "s3-prefix")
	bindFlagOrPanic("remote.base_url", "remote-url")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/ledgerbox")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".ledgerbox")
	}

	viper.SetEnvPrefix("LEDGERBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	}
}

// setDefaults registers every key so that environment variables are seen
// by Unmarshal even when no config file mentions them.
func setDefaults() {
	viper.SetDefault("data_dir", defaultDataDir())
	viper.SetDefault("backup_dir", "")
	viper.SetDefault("tmp_dir", "")
	viper.SetDefault("share_dir", "")
	viper.SetDefault("ledger_path", "")
	viper.SetDefault("attachment_dir", "")
	viper.SetDefault("compression", "lz")
	viper.SetDefault("min_free_bytes", uint64(64<<20))
	viper.SetDefault("bind", "127.0.0.1")
	viper.SetDefault("port", 8090)
	viper.SetDefault("share_secret", "")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_file", "")
	viper.SetDefault("dev_mode", false)

	viper.SetDefault("remote.kind", "")
	viper.SetDefault("remote.endpoint", "")
	viper.SetDefault("remote.region", "")
	viper.SetDefault("remote.bucket", "")
	viper.SetDefault("remote.prefix", "")
	viper.SetDefault("remote.access_key", "")
	viper.SetDefault("remote.secret_key", "")
	viper.SetDefault("remote.use_ssl", true)
	viper.SetDefault("remote.base_url", "")
	viper.SetDefault("remote.token", "")
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.local/share/ledgerbox"
	}
	return "."
}

func loadConfig() (ledgerbox.ServerConfig, error) {
	var cfg ledgerbox.ServerConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg.WithDefaults(), nil
}

// newLogger builds the process logger. console may be io.Discard when a
// progress display owns the terminal.
func newLogger(cfg ledgerbox.ServerConfig, console io.Writer) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	out := console
	if cfg.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
		}
		out = io.MultiWriter(console, rotated)
	}
	log.SetOutput(out)
	return log, nil
}
