package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sternrassler/eve-esi-collector/internal/config"
	"github.com/Sternrassler/eve-esi-collector/pkg/logging"
)

var rootCmd = &cobra.Command{
	Use:          "esi-collector",
	Short:        "Collect EVE Online ESI data into a relational database",
	SilenceUsage: true,
}

func init() {
	v := viper.GetViper()
	v.SetDefault("config", "./config.yaml")
	v.SetDefault("log_level", "")

	// ESI_COLLECTOR_CONFIG, ESI_COLLECTOR_LOG_LEVEL
	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()

	rootCmd.PersistentFlags().String("config", v.GetString("config"), "path to the collector configuration yaml")
	rootCmd.PersistentFlags().String("log-level", v.GetString("log_level"), "override logging.level (debug, info, warn, error)")
	runCmd.Flags().Bool("force", false, "run even when the stored data has not expired")

	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("force", runCmd.Flags().Lookup("force"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
}

// loadConfig reads the configuration named by --config and sets up logging.
func loadConfig() (*config.Config, error) {
	v := viper.GetViper()

	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if level := v.GetString("log_level"); level != "" {
		cfg.Logging.Level = level
	}

	logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.Logging.Level),
		Pretty:  cfg.Logging.Pretty,
		Service: "esi-collector",
		Output:  os.Stderr,
	})
	return cfg, nil
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
