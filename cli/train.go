package cli

import (
	"fmt"

	"EzMMLab/schema"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func trainingFlags(fs *pflag.FlagSet, t *schema.TrainingSection) {
	fs.IntVar(&t.Epochs, "epochs", 100, "Number of training epochs")
	fs.IntVar(&t.BatchSize, "batch-size", 8, "Batch size per GPU")
	fs.IntVar(&t.NumWorkers, "num-workers", 2, "Number of dataloader workers")
	fs.StringVar(&t.WorkDir, "work-dir", "./runs/train", "Directory to save logs and checkpoints")
	fs.StringVar(&t.Device, "device", "cuda", "Training device")
	fs.Float64Var(&t.LearningRate, "learning-rate", 0.001, "Initial learning rate")
	fs.BoolVar(&t.AMP, "amp", true, "Enable automatic mixed precision training")
	fs.BoolVar(&t.EnableTensorboard, "tensorboard", false, "Enable TensorBoard logging")
	fs.StringVar(&t.LogLevel, "framework-log-level", "INFO", "Log level of the training runner")
}

func newTrainCommand(app *App) *cobra.Command {
	var (
		training       schema.TrainingSection
		checkpointPath string
		fromConfig     string
	)
	cmd := &cobra.Command{
		Use:   "train MODEL_NAME DATASET_CONFIG_PATH",
		Short: "Start training from a dataset.toml, or re-run a saved user_config.toml",
		Example: `  ezmm train rtmdet_tiny data/dataset.toml --epochs 50
  ezmm train --from-config runs/train/user_config.toml`,
		Args: func(cmd *cobra.Command, args []string) error {
			if fromConfig != "" {
				return cobra.NoArgs(cmd, args)
			}
			return requireArgs("MODEL_NAME", "DATASET_CONFIG_PATH")(cmd, args)
		},
		ValidArgsFunction: completeModels(app),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if fromConfig != "" {
				uc, err := schema.LoadUserConfig(fromConfig)
				if err != nil {
					return err
				}
				ckpt := checkpointPath
				if ckpt == "" && uc.Model.LoadFrom != nil {
					ckpt = *uc.Model.LoadFrom
				}
				d, err := app.detector(ctx, uc.Model.Name, ckpt)
				if err != nil {
					return err
				}
				defer d.Close()
				if err := d.TrainFromConfig(ctx, uc); err != nil {
					return err
				}
				fmt.Fprintf(app.Out, "Training finished, outputs in %s\n", uc.Training.WorkDir)
				return nil
			}

			d, err := app.detector(ctx, args[0], checkpointPath)
			if err != nil {
				return err
			}
			defer d.Close()
			if err := d.Train(ctx, args[1], training); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Training finished, outputs in %s\n", training.WorkDir)
			return nil
		},
	}
	f := cmd.Flags()
	trainingFlags(f, &training)
	f.StringVar(&checkpointPath, "checkpoint-path", "", "Pretrained weights to start from (default: the model's published checkpoint)")
	f.StringVar(&fromConfig, "from-config", "", "Re-run training from a saved user_config.toml")
	return cmd
}
