package main

import (
	"context"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
)

const version = "0.1.0"

// app carries state shared by the subcommands.
type app struct {
	cfgFile string
	debug   bool
	cfg     *Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "relay",
		Short: "Relay - durable multi-agent orchestration",
		Long: `Relay runs conversations across a set of agents that hand control to
each other, call tools and pause for human approval. Turns run as durable
workflows so a crashed worker resumes where it stopped.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(a.cfgFile)
			if err != nil {
				return err
			}
			if a.debug {
				cfg.Debug = true
			}
			a.cfg = cfg
			cmd.SetContext(a.logContext(cmd.Context()))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (YAML)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logs")
	root.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	root.AddCommand(
		newWorkerCmd(a),
		newTurnCmd(a),
		newChatCmd(a),
		newApproveCmd(a),
		newCancelCmd(a),
		newStatusCmd(a),
		newWatchCmd(a),
		newLogCmd(a),
	)
	return root
}

// logContext sets up the clue logger from the configuration.
func (a *app) logContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	format := log.FormatJSON
	switch a.cfg.LogFormat {
	case "terminal":
		if log.IsTerminal() {
			format = log.FormatTerminal
		}
	case "text":
		format = log.FormatText
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if a.cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}
