// busd is the message-bus broker control daemon. It is execed with one
// already-connected, credentialed control-channel descriptor (fd 3 by
// convention) and runs the dispatch loop until a termination signal arrives
// or the controller connection drains and hangs up.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/corebus/busd/app"
	"github.com/corebus/busd/config"
)

func main() {
	os.Exit(submain())
}

func submain() int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("BUSD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "busd")

	code := 1
	cmd := newRootCommand(logger, &code)
	if err := cmd.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		return 1
	}
	return code
}

func newRootCommand(logger pslog.Logger, code *int) *cobra.Command {
	v := viper.New()
	config.Defaults(v)
	v.SetEnvPrefix("BUSD")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "busd",
		Short:         "local message-bus broker control daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if cfg.Verbose {
				logger = pslog.LoggerFromEnv(
					pslog.WithEnvPrefix("BUSD_LOG_"),
					pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.DebugLevel}),
					pslog.WithEnvWriter(os.Stderr),
				).With("app", "busd")
			}
			*code = app.New(cfg, logger).Run()
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Int("controller-fd", 3, "inherited control-channel descriptor")
	flags.Bool("verbose", false, "log dispatch-level diagnostics")
	flags.String("config", "", "optional config file")
	_ = v.BindPFlag("controller_fd", flags.Lookup("controller-fd"))
	_ = v.BindPFlag("verbose", flags.Lookup("verbose"))
	_ = v.BindPFlag("config", flags.Lookup("config"))

	return cmd
}
