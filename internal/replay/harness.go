package replay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danielpatrickdp/formcheck/internal/analyzer"
	"github.com/danielpatrickdp/formcheck/internal/fusion"
	"github.com/danielpatrickdp/formcheck/internal/validator"
)

// #region clock

// Clock is a settable time source for analyzer.Options.Now, so throttling follows the
// fixture's timestamps instead of wall time.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a clock starting at start.
func NewClock(start time.Time) *Clock {
	return &Clock{t: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// #endregion clock

// #region types

// FrameResult captures the analyzer output for one fixture frame. Record is nil for
// frames the analyzer throttled.
type FrameResult struct {
	Index  int
	Offset time.Duration
	Record *fusion.Record
}

// Summary aggregates a replay run.
type Summary struct {
	TotalFrames int              `json:"total_frames"`
	Analyzed    int              `json:"analyzed"`
	Correct     int              `json:"correct"`
	Incorrect   int              `json:"incorrect"`
	Unknown     int              `json:"unknown"`
	ValidReps   int              `json:"valid_reps"`
	Issues      map[string]int   `json:"issues"`
	Metrics     analyzer.Metrics `json:"metrics"`
	Failures    []string         `json:"failures,omitempty"`
}

// Passed reports whether every fixture expectation held.
func (s Summary) Passed() bool { return len(s.Failures) == 0 }

// IssueCount is one row of Summary.TopIssues.
type IssueCount struct {
	Type  string
	Count int
}

// TopIssues returns issue counts from most to least frequent.
func (s Summary) TopIssues() []IssueCount {
	out := make([]IssueCount, 0, len(s.Issues))
	for k, v := range s.Issues {
		out = append(out, IssueCount{Type: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// #endregion types

// #region replay

// Replay feeds every fixture frame to an initialized analyzer, moving clock to
// start+offset before each frame. Operates entirely in-memory.
func Replay(ctx context.Context, a *analyzer.Analyzer, f *Fixture, clock *Clock, start time.Time) ([]FrameResult, error) {
	results := make([]FrameResult, 0, len(f.Frames))
	for i, fr := range f.Frames {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("replay interrupted at frame %d: %w", i, err)
		}
		if clock != nil {
			clock.Set(start.Add(fr.Offset()))
		}
		results = append(results, FrameResult{
			Index:  i,
			Offset: fr.Offset(),
			Record: a.AnalyzeFrame(ctx, fr.Landmarks),
		})
	}
	return results, nil
}

// Summarize computes aggregate stats and checks the fixture's expectations.
func Summarize(results []FrameResult, metrics analyzer.Metrics, expected *Expected) Summary {
	s := Summary{
		TotalFrames: len(results),
		Issues:      make(map[string]int),
		Metrics:     metrics,
		ValidReps:   metrics.ValidReps,
	}
	for _, r := range results {
		if r.Record == nil {
			continue
		}
		s.Analyzed++
		switch r.Record.Combined.Verdict {
		case fusion.VerdictCorrect:
			s.Correct++
		case fusion.VerdictIncorrect:
			s.Incorrect++
		default:
			s.Unknown++
		}
		for _, is := range r.Record.Heuristic.Issues {
			if is.Type != validator.IssueValidRepetition {
				s.Issues[is.Type]++
			}
		}
	}

	if expected == nil {
		return s
	}
	if expected.ValidReps != nil && *expected.ValidReps != s.ValidReps {
		s.Failures = append(s.Failures, fmt.Sprintf("valid_reps = %d, want %d", s.ValidReps, *expected.ValidReps))
	}
	if expected.MinCorrectRatio > 0 {
		decided := s.Correct + s.Incorrect
		ratio := 0.0
		if decided > 0 {
			ratio = float64(s.Correct) / float64(decided)
		}
		if ratio < expected.MinCorrectRatio {
			s.Failures = append(s.Failures, fmt.Sprintf("correct ratio %.2f below %.2f", ratio, expected.MinCorrectRatio))
		}
	}
	return s
}

// #endregion replay
