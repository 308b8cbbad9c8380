package fusion

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/danielpatrickdp/formcheck/internal/classifier"
	"github.com/danielpatrickdp/formcheck/internal/validator"
)

// #region fixtures
func mlResult(correct bool, conf float64) *classifier.Result {
	status := classifier.StatusIncorrect
	if correct {
		status = classifier.StatusCorrect
	}
	return &classifier.Result{
		Status:              status,
		IsCorrect:           correct,
		Confidence:          conf,
		QualityScore:        conf,
		ReconstructionError: 0.08,
		Threshold:           0.05,
	}
}

func heuristic(issues ...validator.Issue) *validator.Result {
	r := &validator.Result{IsValid: true, Visible: true, Issues: issues, CurrentState: "up"}
	for _, is := range issues {
		if is.Severity.Blocking() {
			r.IsValid = false
		}
	}
	return r
}

func issue(typ string, sev validator.Severity) validator.Issue {
	return validator.Issue{Type: typ, Message: typ + " message", Severity: sev}
}

func newEngine(mode Mode) *Engine {
	cfg := DefaultConfig()
	cfg.Mode = mode
	e := New(cfg)
	e.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	return e
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// #endregion fixtures

// #region availability
func TestIntegrateAvailability(t *testing.T) {
	tests := []struct {
		name       string
		ml         *classifier.Result
		h          *validator.Result
		verdict    Verdict
		policy     Mode
		confidence float64
	}{
		{"nothing", nil, nil, VerdictUnknown, "", 0},
		{"ml processing, no heuristic", &classifier.Result{Status: classifier.StatusProcessing, BufferLength: 4, RequiredFrames: 10}, nil, VerdictUnknown, "", 0},
		{"ml error, invisible heuristic", &classifier.Result{Status: classifier.StatusError}, &validator.Result{Summary: validator.SummaryNotVisible}, VerdictUnknown, "", 0},
		{"ml only", mlResult(true, 0.8), nil, VerdictCorrect, ModeMLOnly, 0.8},
		{"heuristic only", &classifier.Result{Status: classifier.StatusWaiting}, heuristic(), VerdictCorrect, ModeHeuristicOnly, 0.9},
		{"both", mlResult(true, 0.8), heuristic(), VerdictCorrect, ModeHybrid, 0.95},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newEngine(ModeHybrid).Integrate(tt.ml, tt.h)
			d := rec.Combined
			if d.Verdict != tt.verdict || d.Policy != tt.policy {
				t.Fatalf("verdict/policy = %s/%s, want %s/%s", d.Verdict, d.Policy, tt.verdict, tt.policy)
			}
			if !approx(d.Confidence, tt.confidence) {
				t.Errorf("confidence = %v, want %v", d.Confidence, tt.confidence)
			}
			if len(rec.Messages) == 0 || rec.Messages[0].Priority != priorityLead {
				t.Errorf("missing lead message: %+v", rec.Messages)
			}
		})
	}
}

func TestUnknownLeadMessageShowsProgress(t *testing.T) {
	rec := newEngine(ModeHybrid).Integrate(&classifier.Result{Status: classifier.StatusProcessing, BufferLength: 4, RequiredFrames: 10}, nil)
	if got := rec.Messages[0].Text; got != "Analyzing movement (4/10 frames)" {
		t.Errorf("lead = %q", got)
	}
	if rec.Visualization.Color != "gray" {
		t.Errorf("color = %s", rec.Visualization.Color)
	}
}

// #endregion availability

// #region policies
func TestMLOnlyConfidence(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0.4, 0.4},
		{1.7, 1},
		{-0.2, 0},
		{math.NaN(), DefaultMLConfidence},
	}
	for _, tt := range tests {
		rec := newEngine(ModeMLOnly).Integrate(mlResult(true, tt.in), heuristic(issue("torso_lean", validator.SeverityCritical)))
		if rec.Combined.Policy != ModeMLOnly || !rec.Combined.IsCorrect {
			t.Fatalf("ml_only should mirror the classifier: %+v", rec.Combined)
		}
		if !approx(rec.Combined.Confidence, tt.want) {
			t.Errorf("confidence(%v) = %v, want %v", tt.in, rec.Combined.Confidence, tt.want)
		}
	}
}

func TestHeuristicOnlyConfidence(t *testing.T) {
	tests := []struct {
		name    string
		h       *validator.Result
		correct bool
		want    float64
	}{
		{"valid", heuristic(issue("shoulders_level", validator.SeverityLow)), true, 0.9},
		{"critical", heuristic(issue("body_line", validator.SeverityCritical)), false, 0.95},
		{"high", heuristic(issue("torso_lean", validator.SeverityHigh)), false, 0.85},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newEngine(ModeHeuristicOnly).Integrate(mlResult(!tt.correct, 0.99), tt.h)
			if rec.Combined.IsCorrect != tt.correct {
				t.Fatalf("is_correct = %v, want %v", rec.Combined.IsCorrect, tt.correct)
			}
			if !approx(rec.Combined.Confidence, tt.want) {
				t.Errorf("confidence = %v, want %v", rec.Combined.Confidence, tt.want)
			}
		})
	}
}

func TestHybridVetoes(t *testing.T) {
	tests := []struct {
		name      string
		ml        *classifier.Result
		h         *validator.Result
		correct   bool
		rationale Rationale
		vetoes    []Source
	}{
		{"agree correct", mlResult(true, 0.9), heuristic(), true, RationaleAgreeCorrect, nil},
		{"ml veto", mlResult(false, 0.3), heuristic(), false, RationaleDisagreementML, []Source{SourceML}},
		{"critical veto", mlResult(true, 0.99), heuristic(issue("body_line", validator.SeverityCritical)), false, RationaleCriticalIssue, []Source{SourceHeuristic}},
		{"high veto", mlResult(true, 0.99), heuristic(issue("torso_lean", validator.SeverityHigh)), false, RationaleHeuristicInvalid, []Source{SourceHeuristic}},
		{"both veto", mlResult(false, 0.2), heuristic(issue("torso_lean", validator.SeverityHigh)), false, RationaleMLAnomaly, []Source{SourceML, SourceHeuristic}},
		{"low issue passes", mlResult(true, 0.6), heuristic(issue("shoulders_level", validator.SeverityLow)), true, RationaleAgreeCorrect, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newEngine(ModeHybrid).Integrate(tt.ml, tt.h).Combined
			if d.IsCorrect != tt.correct {
				t.Fatalf("is_correct = %v, want %v", d.IsCorrect, tt.correct)
			}
			if d.Rationale != tt.rationale {
				t.Errorf("rationale = %s, want %s", d.Rationale, tt.rationale)
			}
			if len(d.Vetoes) != len(tt.vetoes) {
				t.Fatalf("vetoes = %+v, want sources %v", d.Vetoes, tt.vetoes)
			}
			for i, src := range tt.vetoes {
				if d.Vetoes[i].Source != src || d.Vetoes[i].Reason == "" {
					t.Errorf("veto %d = %+v, want source %s", i, d.Vetoes[i], src)
				}
			}
		})
	}
}

// A critical issue vetoes even when the validator itself reported the frame valid.
func TestHybridCriticalOverridesValidFlag(t *testing.T) {
	h := &validator.Result{IsValid: true, Visible: true, Issues: []validator.Issue{issue("body_line", validator.SeverityCritical)}}
	d := newEngine(ModeHybrid).Integrate(mlResult(true, 1), h).Combined
	if d.IsCorrect {
		t.Fatal("critical issue must veto a correct ML verdict")
	}
}

func TestHybridScores(t *testing.T) {
	e := newEngine(ModeHybrid)
	h := heuristic(
		issue("torso_lean", validator.SeverityHigh),
		issue("knee_symmetry", validator.SeverityMedium),
		issue("shoulders_level", validator.SeverityLow),
	)
	d := e.Integrate(mlResult(false, 0.3), h).Combined

	wantH := 1 - (0.25 + 0.15 + 0.05)
	if !approx(d.HeuristicScore, wantH) {
		t.Errorf("heuristic score = %v, want %v", d.HeuristicScore, wantH)
	}
	if !approx(d.MLScore, 0.7) {
		t.Errorf("ml score = %v, want 0.7", d.MLScore)
	}
	if !approx(d.Confidence, math.Max(0.3, wantH)) {
		t.Errorf("confidence = %v", d.Confidence)
	}
	if !approx(d.CombinedScore, 0.6*0.7+0.4*wantH) {
		t.Errorf("combined = %v", d.CombinedScore)
	}

	heavy := heuristic(
		issue("a", validator.SeverityCritical),
		issue("b", validator.SeverityCritical),
		issue("c", validator.SeverityCritical),
	)
	if got := e.Integrate(mlResult(true, 1), heavy).Combined.HeuristicScore; got != 0 {
		t.Errorf("heuristic score floor = %v, want 0", got)
	}
}

// With no validator, the hybrid engine decides exactly as ml_only does.
func TestDegradedModeMatchesMLOnly(t *testing.T) {
	for _, correct := range []bool{true, false} {
		for _, conf := range []float64{0, 0.35, 1, math.NaN()} {
			hyb := newEngine(ModeHybrid).Integrate(mlResult(correct, conf), nil).Combined
			mlo := newEngine(ModeMLOnly).Integrate(mlResult(correct, conf), nil).Combined
			if hyb.IsCorrect != mlo.IsCorrect || hyb.Verdict != mlo.Verdict {
				t.Fatalf("correct=%v conf=%v: hybrid %+v, ml_only %+v", correct, conf, hyb, mlo)
			}
			if hyb.Confidence != mlo.Confidence {
				t.Errorf("confidence differs: %v vs %v", hyb.Confidence, mlo.Confidence)
			}
		}
	}
}

// #endregion policies

// #region messages
func TestMessagesOrdering(t *testing.T) {
	e := newEngine(ModeHybrid)
	h := heuristic(
		issue("shoulders_level", validator.SeverityLow),
		issue("knee_symmetry", validator.SeverityMedium),
		issue("stance_width", validator.SeverityMedium),
		issue("torso_lean", validator.SeverityHigh),
	)
	h.ValidReps = 2
	h.Issues = append(h.Issues, validator.Issue{Type: validator.IssueValidRepetition, Message: "rep", Severity: validator.SeverityLow})

	rec := e.Integrate(mlResult(true, 0.9), h)
	msgs := rec.Messages

	wantKinds := []MessageKind{KindError, KindSuccess, KindError, KindWarning, KindWarning, KindInfo}
	if len(msgs) != len(wantKinds) {
		t.Fatalf("messages = %+v", msgs)
	}
	for i, k := range wantKinds {
		if msgs[i].Kind != k {
			t.Errorf("message %d kind = %s, want %s (%+v)", i, msgs[i].Kind, k, msgs[i])
		}
	}
	if msgs[1].Text != "Repetition 2 completed" {
		t.Errorf("rep message = %q", msgs[1].Text)
	}
	// The two medium issues keep their original order.
	if msgs[3].Text != "knee_symmetry message" || msgs[4].Text != "stance_width message" {
		t.Errorf("medium issues reordered: %q, %q", msgs[3].Text, msgs[4].Text)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].Priority > msgs[i].Priority {
			t.Fatalf("messages out of priority order: %+v", msgs)
		}
	}
	if msgs[len(msgs)-1].Source != SourceFusion {
		t.Errorf("disagreement note missing: %+v", msgs[len(msgs)-1])
	}

	if !rec.Heuristic.RepCompleted || len(rec.Heuristic.Issues) != 4 {
		t.Errorf("processed heuristic = %+v", rec.Heuristic)
	}
	if got := rec.Visualization; got.Color != "red" || len(got.Highlight) != 3 || got.Highlight[0] != "torso_lean" {
		t.Errorf("visualization = %+v", got)
	}
}

func TestNoDisagreementNoteOutsideHybrid(t *testing.T) {
	rec := newEngine(ModeMLOnly).Integrate(mlResult(false, 0.5), heuristic())
	for _, m := range rec.Messages {
		if m.Kind == KindInfo {
			t.Fatalf("unexpected info note in ml_only: %+v", m)
		}
	}
	if rec.Combined.Agreement == nil || *rec.Combined.Agreement {
		t.Errorf("agreement should still be recorded as false: %+v", rec.Combined.Agreement)
	}
}

// #endregion messages

// #region config
func TestSetModeAndWeights(t *testing.T) {
	e := newEngine(ModeHybrid)
	if err := e.SetMode("consensus"); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("SetMode error = %v", err)
	}
	if err := e.SetMode(ModeHeuristicOnly); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if e.Config().Mode != ModeHeuristicOnly {
		t.Errorf("mode = %s", e.Config().Mode)
	}

	for _, w := range [][2]float64{{-1, 1}, {0, 0}, {math.NaN(), 1}, {1, math.Inf(1)}} {
		if err := e.SetWeights(w[0], w[1]); !errors.Is(err, ErrInvalidWeights) {
			t.Errorf("SetWeights(%v) error = %v", w, err)
		}
	}
	if err := e.SetWeights(3, 1); err != nil {
		t.Fatalf("SetWeights: %v", err)
	}
	cfg := e.Config()
	if !approx(cfg.MLWeight, 0.75) || !approx(cfg.HeuristicWeight, 0.25) {
		t.Errorf("weights = %v/%v, want normalized 0.75/0.25", cfg.MLWeight, cfg.HeuristicWeight)
	}
}

func TestNormalize(t *testing.T) {
	cfg := Normalize(Config{Mode: "vote", MLWeight: -1, HeuristicWeight: 2})
	def := DefaultConfig()
	if cfg != def {
		t.Errorf("Normalize = %+v, want defaults %+v", cfg, def)
	}
	cfg = Normalize(Config{Mode: ModeMLOnly, MLWeight: 1, HeuristicWeight: 1, MaxFeedbackItems: 5, MaxHistory: 10})
	if cfg.Mode != ModeMLOnly || cfg.MLWeight != 0.5 || cfg.MaxFeedbackItems != 5 || cfg.MaxHistory != 10 {
		t.Errorf("Normalize kept values wrong: %+v", cfg)
	}
	if cfg := Normalize(Config{MaxHistory: 500}); cfg.MaxHistory != HistoryLimit {
		t.Errorf("max_history = %d, want %d", cfg.MaxHistory, HistoryLimit)
	}
}

// #endregion config

// #region statistics
func TestStatistics(t *testing.T) {
	e := newEngine(ModeHybrid)
	// unknown, then correct+agree, incorrect+disagree, ml only, incorrect+agree
	e.Integrate(nil, nil)
	e.Integrate(mlResult(true, 0.9), heuristic())
	e.Integrate(mlResult(false, 0.4), heuristic())
	e.Integrate(mlResult(true, 0.8), nil)
	e.Integrate(mlResult(false, 0.2), heuristic(issue("x", validator.SeverityHigh)))

	s := e.Statistics()
	if s.Records != 5 || s.Decided != 4 || s.Comparable != 3 {
		t.Fatalf("stats = %+v", s)
	}
	if !approx(s.Accuracy, 0.5) {
		t.Errorf("accuracy = %v", s.Accuracy)
	}
	if !approx(s.AgreementRate, 2.0/3) {
		t.Errorf("agreement = %v", s.AgreementRate)
	}
	wantConf := (0.95 + 0.95 + 0.8 + 0.75) / 4
	if !approx(s.AvgConfidence, wantConf) {
		t.Errorf("avg confidence = %v, want %v", s.AvgConfidence, wantConf)
	}

	e.Reset()
	if s := e.Statistics(); s.Records != 0 || s.Accuracy != 0 {
		t.Errorf("stats after reset = %+v", s)
	}
}

func TestHistoryBounded(t *testing.T) {
	e := New(Config{Mode: ModeHybrid, MaxHistory: 1000})
	for i := 0; i < 120; i++ {
		e.Integrate(mlResult(i%2 == 0, 0.5), heuristic())
	}
	if n := len(e.History()); n != HistoryLimit {
		t.Fatalf("history = %d, want %d", n, HistoryLimit)
	}
}

// #endregion statistics
