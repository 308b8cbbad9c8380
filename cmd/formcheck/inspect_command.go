package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/formcheck/internal/analyzer"
	"github.com/danielpatrickdp/formcheck/internal/config"
	"github.com/danielpatrickdp/formcheck/internal/store"
)

// #region inspect
type sessionDetail struct {
	Session  store.SessionRecord   `json:"session"`
	Report   *analyzer.Report      `json:"report,omitempty"`
	Feedback []store.FeedbackEntry `json:"feedback,omitempty"`
}

func newInspectCommand(ctx *commandContext) *cobra.Command {
	var limit, feedback int

	cmd := &cobra.Command{
		Use:   "inspect [SESSION_ID]",
		Short: "List stored sessions or show one session's report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			if st == nil {
				return fmt.Errorf("inspect needs --db or FORMCHECK_DB")
			}
			defer st.Close()

			if len(args) == 0 {
				sessions, err := st.ListSessions(limit)
				if err != nil {
					return err
				}
				if ctx.wantJSON(cmd) {
					if sessions == nil {
						sessions = []store.SessionRecord{}
					}
					return writeJSON(cmd, sessions)
				}
				printSessions(cmd, sessions)
				return nil
			}

			sess, err := st.GetSession(args[0])
			if err != nil {
				return err
			}
			detail := sessionDetail{Session: sess}
			if r, err := st.GetReport(sess.SessionID); err == nil {
				detail.Report = &r
			}
			if feedback > 0 {
				if detail.Feedback, err = st.ListFeedback(sess.SessionID, feedback); err != nil {
					return err
				}
			}
			if ctx.wantJSON(cmd) {
				return writeJSON(cmd, detail)
			}
			printDetail(cmd, detail)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Sessions to list")
	cmd.Flags().IntVar(&feedback, "feedback", 0, "Also show up to N feedback rows")
	return cmd
}

func printSessions(cmd *cobra.Command, sessions []store.SessionRecord) {
	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions recorded.")
		return
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		ended := "open"
		if s.EndedAt != nil {
			ended = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		rows = append(rows, []string{s.SessionID, s.Exercise, s.Source, s.StartedAt.Local().Format(time.DateTime), ended})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"Session", "Exercise", "Source", "Started", "Duration"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	))
}

func printDetail(cmd *cobra.Command, d sessionDetail) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s  %s (%s)\n", d.Session.SessionID, d.Session.Exercise, d.Session.Source)
	if d.Report == nil {
		fmt.Fprintln(w, "No report stored; the session is still open or ended abnormally.")
	} else {
		m := d.Report.Metrics
		rows := [][]string{
			{"Frames", strconv.Itoa(m.TotalFrames)},
			{"Analyzed", strconv.Itoa(m.AnalyzedFrames)},
			{"Correct", strconv.Itoa(m.CorrectFrames)},
			{"Incorrect", strconv.Itoa(m.IncorrectFrames)},
			{"Valid reps", strconv.Itoa(m.ValidReps)},
			{"Accuracy", fmt.Sprintf("%.1f", m.Accuracy)},
			{"Form quality", fmt.Sprintf("%.1f", m.FormQuality)},
			{"Duration", d.Report.Duration.Round(time.Millisecond).String()},
			{"Agreement", fmt.Sprintf("%.2f", d.Report.Fusion.AgreementRate)},
		}
		if c := d.Report.Classifier; c != nil {
			rows = append(rows,
				[]string{"Recon error mean", fmt.Sprintf("%.6f", c.Mean)},
				[]string{"Recon error p95", fmt.Sprintf("%.6f", c.P95)},
			)
		}
		fmt.Fprintln(w, renderTable([]string{"Metric", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
	}
	if len(d.Feedback) == 0 {
		return
	}
	rows := make([][]string, 0, len(d.Feedback))
	for _, f := range d.Feedback {
		rows = append(rows, []string{strconv.Itoa(f.FrameIndex), f.Verdict, fmt.Sprintf("%.2f", f.Confidence), f.Rationale, strconv.Itoa(f.ValidReps)})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Frame", "Verdict", "Confidence", "Rationale", "Reps"}, rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignRight},
	))
}

// #endregion inspect

// #region config
func newConfigCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "config EXERCISE",
		Short: "Print the resolved configuration for an exercise as TOML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exercise := ""
			if len(args) == 1 {
				exercise = args[0]
			}
			cfg, err := ctx.resolve(exercise)
			if err != nil {
				return err
			}
			if ctx.jsonOut {
				return writeJSON(cmd, cfg)
			}
			data, err := config.Encode(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// #endregion config
