package main

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/formcheck/internal/analyzer"
	"github.com/danielpatrickdp/formcheck/internal/config"
	"github.com/danielpatrickdp/formcheck/internal/replay"
)

type replayOutput struct {
	Fixture   string         `json:"fixture"`
	Exercise  string         `json:"exercise"`
	SessionID string         `json:"session_id,omitempty"`
	Summary   replay.Summary `json:"summary"`
}

func newReplayCommand(ctx *commandContext) *cobra.Command {
	var exercise string
	var intervalMS int

	cmd := &cobra.Command{
		Use:   "replay FIXTURE",
		Short: "Run a recorded landmark fixture through the analyzer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := replay.LoadFixture(args[0])
			if err != nil {
				return err
			}
			if exercise == "" {
				exercise = f.Exercise
			}
			cfg, err := ctx.resolve(exercise)
			if err != nil {
				return err
			}
			if intervalMS >= 0 {
				cfg.Analyzer.MinIntervalMS = intervalMS
			}

			out, err := ctx.runReplay(cmd.Context(), cfg, f)
			if err != nil {
				return err
			}
			out.Fixture = args[0]

			if ctx.wantJSON(cmd) {
				if err := writeJSON(cmd, out); err != nil {
					return err
				}
			} else {
				printReplay(cmd, out)
			}
			if !out.Summary.Passed() {
				return fmt.Errorf("fixture expectations failed: %s", strings.Join(out.Summary.Failures, "; "))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&exercise, "exercise", "e", "", "Exercise type (defaults to the fixture's)")
	cmd.Flags().IntVar(&intervalMS, "interval-ms", -1, "Override the analysis interval; 0 analyzes every frame")
	return cmd
}

// runReplay drives a fresh analyzer over the fixture on a clock that follows the
// fixture timestamps and persists the session when a database is configured.
func (c *commandContext) runReplay(ctx context.Context, cfg config.Exercise, f *replay.Fixture) (replayOutput, error) {
	start := time.Now().UTC().Truncate(time.Millisecond)
	clock := replay.NewClock(start)
	a := analyzer.New(analyzer.Options{Config: cfg, Registry: c.registry, Now: clock.Now})
	if err := a.Initialize(ctx); err != nil {
		return replayOutput{}, err
	}
	defer a.Destroy()

	results, err := replay.Replay(ctx, a, f, clock, start)
	if err != nil {
		return replayOutput{}, err
	}
	out := replayOutput{
		Exercise: cfg.ExerciseType,
		Summary:  replay.Summarize(results, a.Metrics(), f.Expected),
	}

	st, err := c.openStore()
	if err != nil {
		return replayOutput{}, err
	}
	if st == nil {
		return out, nil
	}
	defer st.Close()

	sess, err := st.CreateSession(a.Config(), "replay")
	if err != nil {
		return replayOutput{}, err
	}
	for _, r := range results {
		if r.Record == nil {
			continue
		}
		if err := st.LogFeedback(sess.SessionID, r.Index, *r.Record); err != nil {
			return replayOutput{}, err
		}
	}
	report, err := a.ExportReport()
	if err != nil {
		return replayOutput{}, err
	}
	if err := st.SaveReport(sess.SessionID, report); err != nil {
		return replayOutput{}, err
	}
	log.Printf("[REPLAY] session %s stored in %s", sess.SessionID, c.dbPath)
	out.SessionID = sess.SessionID
	return out, nil
}

func printReplay(cmd *cobra.Command, out replayOutput) {
	s := out.Summary
	m := s.Metrics
	rows := [][]string{
		{"Exercise", out.Exercise},
		{"Frames", strconv.Itoa(s.TotalFrames)},
		{"Analyzed", strconv.Itoa(s.Analyzed)},
		{"Correct", strconv.Itoa(s.Correct)},
		{"Incorrect", strconv.Itoa(s.Incorrect)},
		{"Unknown", strconv.Itoa(s.Unknown)},
		{"Valid reps", strconv.Itoa(s.ValidReps)},
		{"Accuracy", fmt.Sprintf("%.1f", m.Accuracy)},
		{"Form quality", fmt.Sprintf("%.1f", m.FormQuality)},
		{"Avg confidence", fmt.Sprintf("%.3f", m.AvgConfidence)},
	}
	if out.SessionID != "" {
		rows = append(rows, []string{"Session", out.SessionID})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Metric", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))

	if top := s.TopIssues(); len(top) > 0 {
		issues := make([][]string, 0, len(top))
		for _, is := range top {
			issues = append(issues, []string{is.Type, strconv.Itoa(is.Count)})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Issue", "Frames"}, issues, []columnAlignment{alignLeft, alignRight}))
	}
	status := "PASS"
	if !s.Passed() {
		status = "FAIL"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", status, out.Fixture)
}
