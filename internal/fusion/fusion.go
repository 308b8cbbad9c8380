package fusion

import (
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/danielpatrickdp/formcheck/internal/classifier"
	"github.com/danielpatrickdp/formcheck/internal/validator"
)

// #region engine
// Engine reconciles the classifier and validator verdicts for each frame.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	now     func() time.Time
	history []Record
}

// New creates an engine. Unknown modes and unusable weights fall back to defaults.
func New(cfg Config) *Engine {
	return &Engine{cfg: Normalize(cfg), now: time.Now}
}

// Normalize repairs cfg so that it satisfies the engine's invariants.
func Normalize(cfg Config) Config {
	def := DefaultConfig()
	if !cfg.Mode.Valid() {
		if cfg.Mode != "" {
			log.Printf("[FUSE] unknown mode %q, using %s", cfg.Mode, def.Mode)
		}
		cfg.Mode = def.Mode
	}
	if ml, h, err := normalizeWeights(cfg.MLWeight, cfg.HeuristicWeight); err != nil {
		if cfg.MLWeight != 0 || cfg.HeuristicWeight != 0 {
			log.Printf("[FUSE] %v, using %.2f/%.2f", err, def.MLWeight, def.HeuristicWeight)
		}
		cfg.MLWeight, cfg.HeuristicWeight = def.MLWeight, def.HeuristicWeight
	} else {
		cfg.MLWeight, cfg.HeuristicWeight = ml, h
	}
	if cfg.MaxFeedbackItems <= 0 {
		cfg.MaxFeedbackItems = def.MaxFeedbackItems
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	if cfg.MaxHistory > HistoryLimit {
		log.Printf("[FUSE] max_history %d above %d, clamped", cfg.MaxHistory, HistoryLimit)
		cfg.MaxHistory = HistoryLimit
	}
	return cfg
}

func normalizeWeights(ml, h float64) (float64, float64, error) {
	if math.IsNaN(ml) || math.IsNaN(h) || math.IsInf(ml, 0) || math.IsInf(h, 0) || ml < 0 || h < 0 || ml+h == 0 {
		return 0, 0, fmt.Errorf("%w: ml=%v heuristic=%v", ErrInvalidWeights, ml, h)
	}
	sum := ml + h
	return ml / sum, h / sum, nil
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetMode switches the fusion policy.
func (e *Engine) SetMode(m Mode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMode, m)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	log.Printf("[FUSE] mode %s -> %s", e.cfg.Mode, m)
	e.cfg.Mode = m
	return nil
}

// SetWeights sets the diagnostic score weights; they are normalized to sum to 1.
func (e *Engine) SetWeights(ml, heuristic float64) error {
	mlW, hW, err := normalizeWeights(ml, heuristic)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.MLWeight, e.cfg.HeuristicWeight = mlW, hW
	log.Printf("[FUSE] weights ml=%.3f heuristic=%.3f", mlW, hW)
	return nil
}

// Reset clears the record history.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
}

// History returns a copy of the retained records, oldest first.
func (e *Engine) History() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Record(nil), e.history...)
}

// #endregion engine

// #region integrate
// Integrate fuses one classifier result and one validator result. Either may be nil.
func (e *Engine) Integrate(ml *classifier.Result, h *validator.Result) Record {
	pm := processML(ml)
	ph := processHeuristic(h)

	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.decide(pm, ph)
	rec := Record{
		Timestamp:     e.now(),
		Mode:          e.cfg.Mode,
		ML:            pm,
		Heuristic:     ph,
		Combined:      d,
		Messages:      e.messages(pm, ph, d),
		Visualization: visualize(d, ph, e.cfg.MaxFeedbackItems),
	}

	e.history = append(e.history, rec)
	if len(e.history) > e.cfg.MaxHistory {
		e.history = e.history[len(e.history)-e.cfg.MaxHistory:]
	}
	return rec
}

func processML(r *classifier.Result) ProcessedML {
	if r == nil {
		return ProcessedML{Status: classifier.StatusUnavailable}
	}
	p := ProcessedML{
		Status:         r.Status,
		BufferLength:   r.BufferLength,
		RequiredFrames: r.RequiredFrames,
	}
	if !r.Decided() {
		return p
	}
	p.Available = true
	p.IsCorrect = r.IsCorrect
	p.Confidence = clampConfidence(r.Confidence)
	p.QualityScore = r.QualityScore
	p.ReconstructionError = r.ReconstructionError
	p.Threshold = r.Threshold
	return p
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return DefaultMLConfidence
	}
	return math.Max(0, math.Min(1, c))
}

func processHeuristic(r *validator.Result) ProcessedHeuristic {
	if r == nil {
		return ProcessedHeuristic{Issues: []validator.Issue{}}
	}
	p := ProcessedHeuristic{
		ValidReps:    r.ValidReps,
		CurrentState: r.CurrentState,
		Summary:      r.Summary,
		Issues:       make([]validator.Issue, 0, len(r.Issues)),
	}
	if !r.Visible {
		return p
	}
	p.Available = true
	p.IsValid = r.IsValid
	p.HasCritical = r.HasCritical()
	for _, is := range r.Issues {
		if is.Type == validator.IssueValidRepetition {
			p.RepCompleted = true
			continue
		}
		p.Issues = append(p.Issues, is)
	}
	p.Score = heuristicScore(p.IsValid, p.Issues)
	return p
}

// heuristicScore is 0.95 for a valid frame, otherwise one minus the summed severity penalties.
func heuristicScore(valid bool, issues []validator.Issue) float64 {
	if valid {
		return heuristicValidScore
	}
	penalty := 0.0
	for _, is := range issues {
		penalty += severityPenalty[is.Severity]
	}
	return math.Max(0, 1-penalty)
}

func mlScore(ml ProcessedML) float64 {
	if ml.IsCorrect {
		return ml.Confidence
	}
	return 1 - ml.Confidence
}

// #endregion integrate

// #region decide
// decide dispatches on judge availability first, then on the configured mode.
func (e *Engine) decide(ml ProcessedML, h ProcessedHeuristic) Decision {
	var d Decision
	switch {
	case !ml.Available && !h.Available:
		return Decision{Verdict: VerdictUnknown, Rationale: RationaleNoData}
	case !h.Available:
		d = mlOnly(ml)
	case !ml.Available:
		d = heuristicOnly(h)
	default:
		switch e.cfg.Mode {
		case ModeMLOnly:
			d = mlOnly(ml)
		case ModeHeuristicOnly:
			d = heuristicOnly(h)
		default:
			d = e.hybrid(ml, h)
		}
		agree := ml.IsCorrect == h.IsValid
		d.Agreement = &agree
	}
	d.Verdict = VerdictIncorrect
	if d.IsCorrect {
		d.Verdict = VerdictCorrect
	}
	return d
}

func mlOnly(ml ProcessedML) Decision {
	d := Decision{
		IsCorrect:     ml.IsCorrect,
		Confidence:    ml.Confidence,
		Policy:        ModeMLOnly,
		MLScore:       mlScore(ml),
		CombinedScore: mlScore(ml),
		Rationale:     rationale(&ml, nil),
	}
	if !ml.IsCorrect {
		d.Vetoes = []Veto{mlVeto(ml)}
	}
	return d
}

func heuristicOnly(h ProcessedHeuristic) Decision {
	conf := heuristicOnlyInvalid
	switch {
	case h.IsValid:
		conf = heuristicOnlyValid
	case h.HasCritical:
		conf = heuristicOnlyCritical
	}
	d := Decision{
		IsCorrect:      h.IsValid,
		Confidence:     conf,
		Policy:         ModeHeuristicOnly,
		HeuristicScore: h.Score,
		CombinedScore:  h.Score,
		Rationale:      rationale(nil, &h),
	}
	if v, ok := heuristicVeto(h); ok {
		d.Vetoes = []Veto{v}
	}
	return d
}

// hybrid lets either judge veto a correct verdict. Only the reported confidence
// and the diagnostic combined score blend the two.
func (e *Engine) hybrid(ml ProcessedML, h ProcessedHeuristic) Decision {
	var vetoes []Veto
	if !ml.IsCorrect {
		vetoes = append(vetoes, mlVeto(ml))
	}
	if v, ok := heuristicVeto(h); ok {
		vetoes = append(vetoes, v)
	}
	mlS := mlScore(ml)
	return Decision{
		IsCorrect:      len(vetoes) == 0,
		Confidence:     math.Max(ml.Confidence, h.Score),
		Policy:         ModeHybrid,
		MLScore:        mlS,
		HeuristicScore: h.Score,
		CombinedScore:  e.cfg.MLWeight*mlS + e.cfg.HeuristicWeight*h.Score,
		Rationale:      rationale(&ml, &h),
		Vetoes:         vetoes,
	}
}

func mlVeto(ml ProcessedML) Veto {
	return Veto{
		Source: SourceML,
		Reason: fmt.Sprintf("reconstruction error %.4f exceeds threshold %.4f", ml.ReconstructionError, ml.Threshold),
	}
}

func heuristicVeto(h ProcessedHeuristic) (Veto, bool) {
	if h.IsValid && !h.HasCritical {
		return Veto{}, false
	}
	for _, is := range h.Issues {
		if is.Severity.Blocking() {
			return Veto{Source: SourceHeuristic, Reason: fmt.Sprintf("%s issue %s: %s", is.Severity, is.Type, is.Message)}, true
		}
	}
	return Veto{Source: SourceHeuristic, Reason: "position invalid"}, true
}

// rationale applies the fixed priority order over the judges that took part.
func rationale(ml *ProcessedML, h *ProcessedHeuristic) Rationale {
	mlBad := ml != nil && !ml.IsCorrect
	hBad := h != nil && !h.IsValid
	switch {
	case h != nil && h.HasCritical:
		return RationaleCriticalIssue
	case ml != nil && h != nil && mlBad && !hBad:
		return RationaleDisagreementML
	case mlBad:
		return RationaleMLAnomaly
	case hBad:
		return RationaleHeuristicInvalid
	}
	return RationaleAgreeCorrect
}

// #endregion decide

// #region messages
const (
	priorityLead     = 0
	priorityRep      = 1
	priorityIssue    = 10
	priorityDisagree = 20
)

var rationaleText = map[Rationale]string{
	RationaleCriticalIssue:    "Stop and correct your form",
	RationaleDisagreementML:   "Your movement looks different from the reference pattern",
	RationaleMLAnomaly:        "Your movement looks different from the reference pattern",
	RationaleHeuristicInvalid: "Form needs correction",
	RationaleAgreeCorrect:     "Good form, keep going",
}

func (e *Engine) messages(ml ProcessedML, h ProcessedHeuristic, d Decision) []Message {
	msgs := []Message{leadMessage(ml, h, d)}

	if h.RepCompleted {
		msgs = append(msgs, Message{
			Kind:     KindSuccess,
			Text:     fmt.Sprintf("Repetition %d completed", h.ValidReps),
			Source:   SourceHeuristic,
			Priority: priorityRep,
		})
	}

	for _, is := range topIssues(h.Issues, e.cfg.MaxFeedbackItems) {
		kind := KindWarning
		if is.Severity.Blocking() {
			kind = KindError
		}
		msgs = append(msgs, Message{
			Kind:     kind,
			Text:     is.Message,
			Source:   SourceHeuristic,
			Severity: is.Severity,
			Priority: priorityIssue + is.Severity.Rank(),
		})
	}

	if d.Policy == ModeHybrid && d.Agreement != nil && !*d.Agreement {
		text := "Your form checks pass but the movement differs from the reference pattern"
		if ml.IsCorrect {
			text = "Your movement matches the reference pattern but some form checks failed"
		}
		msgs = append(msgs, Message{Kind: KindInfo, Text: text, Source: SourceFusion, Priority: priorityDisagree})
	}

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Priority < msgs[j].Priority })
	return msgs
}

func leadMessage(ml ProcessedML, h ProcessedHeuristic, d Decision) Message {
	switch d.Verdict {
	case VerdictCorrect:
		return Message{Kind: KindSuccess, Text: rationaleText[d.Rationale], Source: SourceFusion, Priority: priorityLead}
	case VerdictIncorrect:
		return Message{Kind: KindError, Text: rationaleText[d.Rationale], Source: SourceFusion, Priority: priorityLead}
	}
	text := "Step into view so your whole body is visible"
	if ml.Status == classifier.StatusProcessing && ml.RequiredFrames > 0 {
		text = fmt.Sprintf("Analyzing movement (%d/%d frames)", ml.BufferLength, ml.RequiredFrames)
	} else if h.Summary != "" && h.Summary != validator.SummaryNotVisible {
		text = h.Summary
	}
	return Message{Kind: KindInfo, Text: text, Source: SourceFusion, Priority: priorityLead}
}

// topIssues returns at most n issues ordered from critical to low.
func topIssues(issues []validator.Issue, n int) []validator.Issue {
	sorted := append([]validator.Issue(nil), issues...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Severity.Rank() < sorted[j].Severity.Rank()
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func visualize(d Decision, h ProcessedHeuristic, n int) Visualization {
	v := Visualization{Color: "gray", Confidence: d.Confidence}
	switch d.Verdict {
	case VerdictCorrect:
		v.Color = "green"
	case VerdictIncorrect:
		v.Color = "red"
	}
	for _, is := range topIssues(h.Issues, n) {
		v.Highlight = append(v.Highlight, is.Type)
	}
	return v
}

// #endregion messages

// #region statistics
// Statistics summarizes the retained history: accuracy and average confidence over decided
// records, and how often the two judges agreed when both were available.
func (e *Engine) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Statistics{Records: len(e.history)}
	var correct, agreed int
	var confSum float64
	for _, r := range e.history {
		if r.Combined.Verdict != VerdictUnknown {
			s.Decided++
			confSum += r.Combined.Confidence
			if r.Combined.IsCorrect {
				correct++
			}
		}
		if r.Combined.Agreement != nil {
			s.Comparable++
			if *r.Combined.Agreement {
				agreed++
			}
		}
	}
	if s.Decided > 0 {
		s.Accuracy = float64(correct) / float64(s.Decided)
		s.AvgConfidence = confSum / float64(s.Decided)
	}
	if s.Comparable > 0 {
		s.AgreementRate = float64(agreed) / float64(s.Comparable)
	}
	return s
}

// #endregion statistics
