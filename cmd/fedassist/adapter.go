package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ekisa-team/fedassist/internal/config"
	"github.com/ekisa-team/fedassist/internal/model"
	"github.com/ekisa-team/fedassist/internal/peft"
	"github.com/ekisa-team/fedassist/internal/pellm"
	"github.com/ekisa-team/fedassist/internal/xfs"
)

const defaultAdapterDir = "adapter"

type adapterFlags struct {
	outputDir string
	seed      uint64
}

func newAdapterCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adapter",
		Short: "Attach parameter-efficient adapters to pretrained models",
	}
	cmd.AddCommand(newAdapterSaveCmd(flags), newAdapterKindsCmd())

	return cmd
}

func newAdapterSaveCmd(flags *rootFlags) *cobra.Command {
	af := &adapterFlags{}

	cmd := &cobra.Command{
		Use:   "save",
		Short: "Wrap the configured pretrained model and save its trainable adapter weights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadAndValidate(flags.configPath, flags.schemaPath)
			if err != nil {
				return err
			}

			m, err := newAdapterModel(cmd.Context(), cfg, af)
			if err != nil {
				return err
			}

			dir := af.outputDir
			if dir == "" {
				dir = cfg.Adapter.OutputDir
			}
			if dir == "" {
				dir = defaultAdapterDir
			}

			if err := m.Save(dir); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d trainable tensors to %s\n", len(m.TrainableParameters()), dir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&af.outputDir, "output", "o", "", "Directory to write adapter weights into (overrides adapter.output_dir)")
	cmd.Flags().Uint64Var(&af.seed, "seed", 0, "Seed for adapter initialization (random when 0)")

	return cmd
}

func newAdapterModel(ctx context.Context, cfg *config.Config, af *adapterFlags) (*pellm.PELLM, error) {
	ac := cfg.Adapter

	path := xfs.ExpandTilde(ac.PretrainedPath)
	if path == "" && ac.Model != "" {
		manager := model.NewManager()
		if err := manager.LoadModelsFromConfig(ctx, cfg, ac.Model); err != nil {
			return nil, err
		}

		instance, err := manager.Resolve(ac.Model, model.ModelTypePretrained)
		if err != nil {
			return nil, err
		}
		path = instance.Path
	}

	opts := []pellm.Option{
		pellm.WithPeft(ac.PeftType, ac.PeftConfig),
		pellm.WithOverrides(ac.Overrides),
	}
	if path != "" {
		opts = append(opts, pellm.WithPretrainedPath(path))
	}
	if ac.ModelConfig != nil {
		opts = append(opts, pellm.WithConfig(ac.ModelConfig))
	}
	if !ac.SaveAllowed() {
		opts = append(opts, pellm.WithSaveDisabled())
	}
	if af.seed != 0 {
		opts = append(opts, pellm.WithSeed(af.seed))
	}

	slog.Info("Loading pretrained model", "path", path, "peft_type", ac.PeftType)

	return pellm.New(ctx, opts...)
}

func newAdapterKindsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List supported adapter kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.SetStyle(table.StyleLight)
			tw.AppendHeader(table.Row{"peft_type", "Config", "Prompt learning"})
			for _, k := range peft.Kinds() {
				tw.AppendRow(table.Row{k.PeftType(), k, k.IsPromptLearning()})
			}
			tw.Render()

			return nil
		},
	}
}
