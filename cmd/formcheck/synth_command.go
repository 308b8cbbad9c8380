package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/formcheck/internal/classifier"
	"github.com/danielpatrickdp/formcheck/internal/inference"
	"github.com/danielpatrickdp/formcheck/internal/replay"
)

func newSynthCommand(_ *commandContext) *cobra.Command {
	opts := replay.DefaultSquatOptions()
	var out, modelOut string
	var modelSeq int
	var external bool

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Generate a synthetic squat fixture and optionally a passthrough model",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			f := replay.SyntheticSquat(opts)
			if err := replay.WriteFixture(out, f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d frames (%d reps) to %s\n", len(f.Frames), opts.Reps, out)

			if modelOut == "" {
				return nil
			}
			width := classifier.DefaultConfig().FeatureWidth
			if err := inference.IdentityModel(modelSeq, width).Save(modelOut, external); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote identity model %dx%d to %s\n", modelSeq, width, modelOut)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&out, "out", "o", "", "Fixture output path")
	flags.IntVar(&opts.Reps, "reps", opts.Reps, "Repetitions")
	flags.IntVar(&opts.FramesPerPhase, "frames-per-phase", opts.FramesPerPhase, "Frames per descent and per ascent")
	flags.IntVar(&opts.PauseFrames, "pause", opts.PauseFrames, "Standing frames between reps")
	flags.Float64Var(&opts.FPS, "fps", opts.FPS, "Frame rate")
	flags.Float64Var(&opts.BottomAngle, "depth", opts.BottomAngle, "Knee angle at the bottom of each rep")
	flags.Float64Var(&opts.TorsoLean, "lean", opts.TorsoLean, "Forward torso lean at the bottom, in degrees")
	flags.Float64Var(&opts.Noise, "noise", opts.Noise, "Landmark jitter in normalized units")
	flags.Int64Var(&opts.Seed, "seed", opts.Seed, "Noise seed")
	flags.StringVar(&modelOut, "model-out", "", "Also write an identity model to this path")
	flags.IntVar(&modelSeq, "model-seq", classifier.DefaultConfig().MaxFrames, "Sequence length of the written model")
	flags.BoolVar(&external, "external-data", false, "Store model weights in <model-out>.data")
	return cmd
}
