package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/formcheck/internal/pose"
)

// #region fixture-types

// Fixture is a recorded (or synthesized) landmark stream with optional expectations.
type Fixture struct {
	Description string         `json:"description"`
	Exercise    string         `json:"exercise"`
	FPS         float64        `json:"fps"`
	Frames      []FixtureFrame `json:"frames"`
	Expected    *Expected      `json:"expected,omitempty"`
}

// FixtureFrame is one timestamped pose frame.
type FixtureFrame struct {
	OffsetMS  int64      `json:"t_ms"`
	Landmarks pose.Frame `json:"landmarks"`
}

// Offset returns the frame's position in the stream.
func (f FixtureFrame) Offset() time.Duration {
	return time.Duration(f.OffsetMS) * time.Millisecond
}

// Expected holds assertions checked by Summarize.
type Expected struct {
	ValidReps       *int    `json:"valid_reps,omitempty"`
	MinCorrectRatio float64 `json:"min_correct_ratio,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return &f, nil
}

// WriteFixture stores f as indented JSON.
func WriteFixture(path string, f *Fixture) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// Validate checks that frames exist, carry a full skeleton and move forward in time.
func (f *Fixture) Validate() error {
	if len(f.Frames) == 0 {
		return fmt.Errorf("no frames")
	}
	var prev int64 = -1
	for i, fr := range f.Frames {
		if len(fr.Landmarks) != pose.NumLandmarks {
			return fmt.Errorf("frame %d has %d landmarks, want %d", i, len(fr.Landmarks), pose.NumLandmarks)
		}
		if fr.OffsetMS < prev {
			return fmt.Errorf("frame %d goes back in time (%dms < %dms)", i, fr.OffsetMS, prev)
		}
		prev = fr.OffsetMS
	}
	return nil
}

// #endregion fixture-loader
