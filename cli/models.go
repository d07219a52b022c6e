package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"EzMMLab/schema"

	"github.com/spf13/cobra"
)

func newModelsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the supported model names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(app.Out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tFAMILY\tFRAMEWORK\tWEIGHTS")
			for _, e := range app.Registry.Entries() {
				weights := "-"
				if e.WeightsURL != "" {
					weights = "published"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Name, e.Family, e.Family.Framework(), weights)
			}
			return tw.Flush()
		},
	}
}

func newDownloadCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:               "download MODEL_NAME...",
		Short:             "Fetch the published checkpoints of one or more models",
		Args:              cobra.MinimumNArgs(1),
		ValidArgsFunction: completeModels(app),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, model := range args {
				if _, err := app.Registry.Lookup(model); err != nil {
					return err
				}
				path, err := app.Checkpoints.Ensure(cmd.Context(), model, "")
				if err != nil {
					return err
				}
				if _, err := os.Stat(path); err != nil {
					fmt.Fprintf(app.Out, "%s: no published weights, place a checkpoint at %s\n", model, path)
					continue
				}
				fmt.Fprintf(app.Out, "%s: %s\n", model, path)
			}
			return nil
		},
	}
}

func newConfigCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration files",
	}
	var dataset bool
	validate := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a user_config.toml (or a dataset.toml with --dataset)",
		Args:  requireArgs("FILE"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataset {
				ds, err := schema.LoadDatasetConfig(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(app.Out, "%s: ok (%d classes)\n", args[0], len(ds.Classes))
				return nil
			}
			uc, err := schema.LoadUserConfig(args[0])
			if err != nil {
				return err
			}
			if _, err := app.Registry.Lookup(uc.Model.Name); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "%s: ok (model %s, %d classes)\n", args[0], uc.Model.Name, uc.Model.NumClasses)
			return nil
		},
	}
	validate.Flags().BoolVar(&dataset, "dataset", false, "Validate a dataset description instead of a user config")
	cmd.AddCommand(validate)
	return cmd
}
