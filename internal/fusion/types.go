package fusion

import (
	"errors"
	"time"

	"github.com/danielpatrickdp/formcheck/internal/classifier"
	"github.com/danielpatrickdp/formcheck/internal/validator"
)

// #region errors
var (
	// ErrUnknownMode is returned by SetMode for an unrecognized policy.
	ErrUnknownMode = errors.New("unknown fusion mode")
	// ErrInvalidWeights is returned by SetWeights for negative, NaN or all-zero weights.
	ErrInvalidWeights = errors.New("invalid fusion weights")
)

// #endregion errors

// #region mode
// Mode selects the fusion policy applied when both judges are available.
type Mode string

const (
	ModeMLOnly        Mode = "ml_only"
	ModeHeuristicOnly Mode = "heuristic_only"
	ModeHybrid        Mode = "hybrid"
)

// Valid reports whether m is a known policy.
func (m Mode) Valid() bool {
	return m == ModeMLOnly || m == ModeHeuristicOnly || m == ModeHybrid
}

// #endregion mode

// #region config
// HistoryLimit caps the number of feedback records kept by an engine.
const HistoryLimit = 50

// Config holds the fusion policy and its tunables.
type Config struct {
	Mode             Mode    `json:"mode" toml:"mode"`
	MLWeight         float64 `json:"ml_weight" toml:"ml_weight"`
	HeuristicWeight  float64 `json:"heuristic_weight" toml:"heuristic_weight"`
	MaxFeedbackItems int     `json:"max_feedback_items" toml:"max_feedback_items"`
	MaxHistory       int     `json:"max_history" toml:"max_history"`
}

// DefaultConfig returns the hybrid policy with a 0.6/0.4 weighting.
func DefaultConfig() Config {
	return Config{
		Mode:             ModeHybrid,
		MLWeight:         0.6,
		HeuristicWeight:  0.4,
		MaxFeedbackItems: 3,
		MaxHistory:       HistoryLimit,
	}
}

const (
	// DefaultMLConfidence stands in for a missing or NaN classifier confidence.
	DefaultMLConfidence = 0.7

	heuristicValidScore = 0.95

	heuristicOnlyValid    = 0.9
	heuristicOnlyCritical = 0.95
	heuristicOnlyInvalid  = 0.85
)

// severityPenalty is subtracted from the heuristic score for every reported issue.
var severityPenalty = map[validator.Severity]float64{
	validator.SeverityCritical: 0.4,
	validator.SeverityHigh:     0.25,
	validator.SeverityMedium:   0.15,
	validator.SeverityLow:      0.05,
}

// #endregion config

// #region verdict
// Verdict is the fused judgment.
type Verdict string

const (
	VerdictCorrect   Verdict = "correct"
	VerdictIncorrect Verdict = "incorrect"
	VerdictUnknown   Verdict = "unknown"
)

// Rationale names the reason a verdict was reached, in priority order.
type Rationale string

const (
	RationaleCriticalIssue    Rationale = "critical_issue"
	RationaleDisagreementML   Rationale = "judges_disagree_ml_anomalous"
	RationaleMLAnomaly        Rationale = "ml_anomalous"
	RationaleHeuristicInvalid Rationale = "heuristic_invalid"
	RationaleAgreeCorrect     Rationale = "both_correct"
	RationaleNoData           Rationale = "no_data"
)

// Source identifies which judge produced a veto or message.
type Source string

const (
	SourceML        Source = "ml"
	SourceHeuristic Source = "heuristic"
	SourceFusion    Source = "fusion"
)

// Veto records one judge blocking a correct verdict.
type Veto struct {
	Source Source `json:"source"`
	Reason string `json:"reason"`
}

// #endregion verdict

// #region processed
// ProcessedML is the classifier result normalized for fusion.
type ProcessedML struct {
	Available           bool              `json:"available"`
	Status              classifier.Status `json:"status"`
	IsCorrect           bool              `json:"is_correct"`
	Confidence          float64           `json:"confidence"`
	QualityScore        float64           `json:"quality_score"`
	ReconstructionError float64           `json:"reconstruction_error"`
	Threshold           float64           `json:"threshold"`
	BufferLength        int               `json:"buffer_length,omitempty"`
	RequiredFrames      int               `json:"required_frames,omitempty"`
}

// ProcessedHeuristic is the validator result normalized for fusion.
type ProcessedHeuristic struct {
	Available    bool              `json:"available"`
	IsValid      bool              `json:"is_valid"`
	HasCritical  bool              `json:"has_critical"`
	Score        float64           `json:"score"`
	Issues       []validator.Issue `json:"issues"`
	RepCompleted bool              `json:"rep_completed,omitempty"`
	ValidReps    int               `json:"valid_reps"`
	CurrentState string            `json:"current_state,omitempty"`
	Summary      string            `json:"summary,omitempty"`
}

// #endregion processed

// #region decision
// Decision is the combined verdict. CombinedScore is diagnostic only.
type Decision struct {
	Verdict        Verdict   `json:"verdict"`
	IsCorrect      bool      `json:"is_correct"`
	Confidence     float64   `json:"confidence"`
	Policy         Mode      `json:"policy,omitempty"`
	MLScore        float64   `json:"ml_score"`
	HeuristicScore float64   `json:"heuristic_score"`
	CombinedScore  float64   `json:"combined_score"`
	Rationale      Rationale `json:"rationale"`
	Vetoes         []Veto    `json:"vetoes,omitempty"`
	Agreement      *bool     `json:"agreement,omitempty"`
}

// MessageKind classifies a feedback message for rendering.
type MessageKind string

const (
	KindSuccess MessageKind = "success"
	KindError   MessageKind = "error"
	KindWarning MessageKind = "warning"
	KindInfo    MessageKind = "info"
)

// Message is one line of user feedback. Lower Priority sorts first.
type Message struct {
	Kind     MessageKind        `json:"kind"`
	Text     string             `json:"text"`
	Source   Source             `json:"source"`
	Severity validator.Severity `json:"severity,omitempty"`
	Priority int                `json:"priority"`
}

// Visualization is a rendering hint for overlay collaborators.
type Visualization struct {
	Color      string   `json:"color"`
	Highlight  []string `json:"highlight,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Record is the fused output for one frame. Records are never mutated after Integrate returns.
type Record struct {
	Timestamp     time.Time          `json:"timestamp"`
	Mode          Mode               `json:"mode"`
	ML            ProcessedML        `json:"ml"`
	Heuristic     ProcessedHeuristic `json:"heuristic"`
	Combined      Decision           `json:"combined"`
	Messages      []Message          `json:"messages"`
	Visualization Visualization      `json:"visualization"`
}

// Statistics summarizes the rolling record history.
type Statistics struct {
	Records       int     `json:"records"`
	Decided       int     `json:"decided"`
	Accuracy      float64 `json:"accuracy"`
	AvgConfidence float64 `json:"avg_confidence"`
	Comparable    int     `json:"comparable"`
	AgreementRate float64 `json:"agreement_rate"`
}

// #endregion decision
