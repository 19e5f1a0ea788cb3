package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/signalnine/tierbench/internal/config"
	"github.com/signalnine/tierbench/internal/logger"
)

// app carries what every subcommand shares. Flags may also come from
// TIERBENCH_* environment variables, e.g. TIERBENCH_LOG_LEVEL.
type app struct {
	v        *viper.Viper
	log      *log.Logger
	closeLog func() error
}

func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:           "tierbench",
		Short:         "Run tiered agent benchmarks in containers and judge them by consensus",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, closeFn, err := logger.New(a.v.GetString("log-level"), a.v.GetString("log-file"))
			if err != nil {
				return err
			}
			a.log, a.closeLog = l, closeFn
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.closeLog != nil {
				return a.closeLog()
			}
			return nil
		},
	}
	root.PersistentFlags().String("config", "tierbench.yaml", "experiment config file")
	root.PersistentFlags().String("log-level", "", "log level (debug|info|warn|error) [default: info]")
	root.PersistentFlags().String("log-file", "", "append logs to this file instead of stderr")
	for _, name := range []string{"config", "log-level", "log-file"} {
		if err := a.v.BindPFlag(name, root.PersistentFlags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("binding %s flag: %v", name, err))
		}
	}
	a.v.SetEnvPrefix("TIERBENCH")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newListCmd(a))
	root.AddCommand(newReportCmd(a))
	root.AddCommand(newValidateCmd(a))
	root.AddCommand(newArchiveCmd(a))
	return root
}

func (a *app) loadConfig() (*config.Config, error) {
	return config.Load(a.v.GetString("config"))
}
