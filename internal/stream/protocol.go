package stream

import (
	"github.com/danielpatrickdp/formcheck/internal/analyzer"
	"github.com/danielpatrickdp/formcheck/internal/fusion"
	"github.com/danielpatrickdp/formcheck/internal/pose"
)

// #region inbound
// Inbound message types sent by the client.
const (
	TypeFrame     = "frame"
	TypeReset     = "reset"
	TypeCalibrate = "calibrate"
	TypeReport    = "report"
)

// Inbound is one client message. Landmarks is only read for TypeFrame.
type Inbound struct {
	Type      string     `json:"type"`
	Landmarks pose.Frame `json:"landmarks,omitempty"`
}

// #endregion inbound

// #region outbound
// Outbound message types sent by the server.
const (
	TypeReady      = "ready"
	TypeFeedback   = "feedback"
	TypeMetrics    = "metrics"
	TypeError      = "error"
	TypeCalibrated = "calibrated"
	TypeResetDone  = "reset_done"
)

// Outbound is one server message. Exactly one payload field is set per Type.
type Outbound struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Exercise  string            `json:"exercise,omitempty"`
	Record    *fusion.Record    `json:"record,omitempty"`
	Metrics   *analyzer.Metrics `json:"metrics,omitempty"`
	Report    *analyzer.Report  `json:"report,omitempty"`
	Threshold float64           `json:"threshold,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func fromEvent(ev analyzer.Event) Outbound {
	switch ev.Kind {
	case analyzer.EventFeedback:
		return Outbound{Type: TypeFeedback, Record: ev.Record}
	case analyzer.EventMetrics:
		return Outbound{Type: TypeMetrics, Metrics: ev.Metrics}
	}
	return Outbound{Type: TypeError, Error: ev.Err}
}

// #endregion outbound
