package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sternrassler/eve-esi-collector/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run [collector...]",
	Short: "Run collectors once (all when none are named)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		outcomes, runErr := a.Run(ctx, args, viper.GetBool("force"))
		for _, out := range outcomes {
			switch {
			case out.Skipped:
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tskipped\n", out.Name)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tpages=%d/%d\trecords=%d\telapsed=%s\n",
					out.Name, out.Result.State, out.Result.Pages, out.Result.ExpectedPages,
					out.Result.Records, out.Result.Elapsed)
			}
		}
		if runErr != nil {
			log.Error().Err(runErr).Msg("Run finished with errors")
		}
		return runErr
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d collector(s)\n", len(cfg.Collectors))
		return nil
	},
}
