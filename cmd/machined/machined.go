package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/machined/machined/daemon/config"
)

type daemonOptions struct {
	configFile   string
	daemonConfig *config.Config
	flags        *pflag.FlagSet
	// newDaemon opens the machine API. Tests replace it to run against
	// in-memory collaborators.
	newDaemon daemonFactory
}

func newDaemonOptions(cfg *config.Config) *daemonOptions {
	return &daemonOptions{
		daemonConfig: cfg,
		newDaemon:    openDaemon,
	}
}

func newRootCommand(opts *daemonOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "machined [OPTIONS] COMMAND",
		Short:         "Manage the lifecycle of OS container machines.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.flags = cmd.Flags()
			return loadDaemonConfig(opts)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config-file", config.DefaultConfigFile, "Daemon configuration file")
	config.InstallFlags(flags, opts.daemonConfig)

	cmd.AddCommand(newServeCommand(opts))
	addVerbCommands(cmd, opts)
	return cmd
}

// loadDaemonConfig merges the configuration file into the flags and applies
// the logging settings.
func loadDaemonConfig(opts *daemonOptions) error {
	conf, err := config.Load(opts.daemonConfig, opts.flags, opts.configFile)
	if err != nil {
		return err
	}
	opts.daemonConfig = conf
	return configureLogging(conf)
}

func configureLogging(conf *config.Config) error {
	if err := log.SetLevel(conf.LogLevel); err != nil {
		return fmt.Errorf("invalid logging level: %s", conf.LogLevel)
	}
	if err := log.SetFormat(conf.LogFormat); err != nil {
		return err
	}
	return nil
}

func main() {
	logrus.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	cmd := newRootCommand(newDaemonOptions(config.New()))
	cmd.SetOut(os.Stdout)
	err := cmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(exitCode(err))
	}
}
