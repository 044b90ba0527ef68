package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/PySeqEcosystem/pyseq-core/internal/config"
	"github.com/PySeqEcosystem/pyseq-core/internal/engine"
	"github.com/PySeqEcosystem/pyseq-core/internal/instrument"
	"github.com/PySeqEcosystem/pyseq-core/internal/util"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var (
		machinePath string
		flowcells   []string
		verbose     bool
	)
	cmd := &cobra.Command{
		Use:   "validate <experiment>",
		Short: "Compile an experiment against the machine settings without moving hardware",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if machinePath == "" {
				cfg, err := config.LoadConfig(flagConfig)
				if err != nil {
					return err
				}
				machinePath = cfg.MachinePath
				if len(flowcells) == 0 {
					flowcells = cfg.FlowCells
				}
			}
			logger := util.NewLogger("warn", "text", os.Stderr)

			hw, err := config.LoadHardware(machinePath)
			if err != nil {
				return err
			}
			exp, err := config.LoadExperiment(args[0])
			if err != nil {
				return err
			}
			states, err := validateExperiment(cmd.Context(), hw, exp, flowcells, logger)
			if err != nil {
				return fmt.Errorf("experiment %s: %w", exp.Experiment.Name, err)
			}
			printPlan(cmd.OutOrStdout(), exp, states, verbose)
			return nil
		},
	}
	cmd.Flags().StringVar(&machinePath, "machine", "", "machine settings file (default from config)")
	cmd.Flags().StringSliceVar(&flowcells, "flowcells", nil, "flow cells to validate (default all)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every queued task")
	return cmd
}

// validateExperiment 在模拟仪器上编排实验但不启动队列，返回每个 actor 排队的任务
func validateExperiment(ctx context.Context, hw *config.Hardware, exp *config.Experiment, flowcells []string, logger *slog.Logger) ([]engine.ActorState, error) {
	seq, err := engine.NewSequencer(hw, simInstruments(hw, 0, instrument.NewRecorder()), nil, logger)
	if err != nil {
		return nil, err
	}
	if err := seq.NewExperiment(ctx, exp, engine.ExperimentOptions{}, flowcells...); err != nil {
		return nil, err
	}
	return seq.Snapshot(), nil
}

func printPlan(w io.Writer, exp *config.Experiment, states []engine.ActorState, verbose bool) {
	fmt.Fprintf(w, "experiment %s: OK\n", exp.Experiment.Name)
	for _, st := range states {
		if len(st.Pending) == 0 {
			continue
		}
		fmt.Fprintf(w, "  %s: %d tasks\n", st.Actor, len(st.Pending))
		if !verbose {
			continue
		}
		for _, t := range st.Pending {
			fmt.Fprintf(w, "    %4d  %s\n", t.ID, t.Description)
		}
	}
}
