package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"EzMMLab/bridge"
	"EzMMLab/checkpoint"
	"EzMMLab/engine"
	"EzMMLab/fwconfig"
	iface "EzMMLab/interface"
	"EzMMLab/logger"
	"EzMMLab/registry"
	"EzMMLab/settings"

	"github.com/spf13/cobra"
)

// App holds the collaborators shared by every command. Nil fields are
// built from the loaded settings before a command runs.
type App struct {
	Settings    *settings.Settings
	Registry    *registry.Registry
	Loader      *registry.ConfigLoader
	Checkpoints *checkpoint.Resolver
	Runner      iface.Runner
	Inferencers iface.InferencerFactory
	Templates   fwconfig.PythonLoader
	Out         io.Writer

	settingsPath string
	logLevel     string
	development  bool
}

func (a *App) setup() error {
	if a.Settings == nil {
		s, err := settings.Load(a.settingsPath)
		if err != nil {
			return err
		}
		a.Settings = &s
	}
	level := a.Settings.Log.Level
	if a.logLevel != "" {
		level = a.logLevel
	}
	var err error
	if a.development || a.Settings.Log.Development {
		err = logger.InitDevelopment(level)
	} else {
		err = logger.InitProduction(level)
	}
	if err != nil {
		return err
	}

	if a.Registry == nil {
		a.Registry = registry.Default()
	}
	if a.Loader == nil {
		a.Loader = registry.NewConfigLoader(a.Registry, a.Settings.Roots())
	}
	if a.Checkpoints == nil {
		a.Checkpoints = checkpoint.New(a.Registry, a.Settings.CheckpointOptions())
	}
	if a.Runner == nil || a.Inferencers == nil || a.Templates == nil {
		br := bridge.New(a.Settings.BridgeOptions())
		if a.Runner == nil {
			a.Runner = br
		}
		if a.Inferencers == nil {
			a.Inferencers = br
		}
		if a.Templates == nil {
			a.Templates = br
		}
	}
	if a.Out == nil {
		a.Out = os.Stdout
	}
	return nil
}

func (a *App) engineOptions() engine.Options {
	return engine.Options{
		Loader:      a.Loader,
		Checkpoints: a.Checkpoints,
		Runner:      a.Runner,
		Inferencers: a.Inferencers,
		Templates:   a.Templates,
	}
}

func (a *App) detector(ctx context.Context, model, checkpointPath string) (*engine.Detector, error) {
	return engine.New(ctx, model, checkpointPath, a.engineOptions())
}

// NewRootCommand assembles the command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:           "ezmm",
		Short:         "Train and run OpenMMLab detection and pose models from simple TOML configs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Sync()
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&app.settingsPath, "config", "", "Settings file (default $EZMM_CONFIG or ./ezmm.yaml)")
	pf.StringVar(&app.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&app.development, "dev", false, "Human readable console logs")

	root.AddCommand(
		newTrainCommand(app),
		newPredictCommand(app),
		newModelsCommand(app),
		newDownloadCommand(app),
		newConfigCommand(app),
		newServeCommand(app),
	)
	return root
}

// Execute runs the CLI with the process arguments.
func Execute(ctx context.Context) error {
	root := NewRootCommand(&App{})
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	}
	return err
}

// requireArgs names each positional argument so a missing one is reported
// by name.
func requireArgs(names ...string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < len(names) {
			return fmt.Errorf("missing argument %s", names[len(args)])
		}
		if len(args) > len(names) {
			return fmt.Errorf("unexpected argument %q", args[len(names)])
		}
		return nil
	}
}

// completeModels suggests registry names for the first positional argument.
func completeModels(app *App) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveDefault
		}
		reg := app.Registry
		if reg == nil {
			reg = registry.Default()
		}
		return reg.Names(), cobra.ShellCompDirectiveNoFileComp
	}
}
