// Package narrative produces the flavour text shown for revealed phases and
// completed deployments. Remote generators are optional; WithFallback always
// yields the catalog template when they fail.
package narrative

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"proxim8/internal/domain"
)

type Kind string

const (
	KindPhase      Kind = "phase"
	KindCompletion Kind = "completion"
)

// Context is everything a generator may use to write one piece of text.
type Context struct {
	Kind         Kind
	MissionID    string
	MissionTitle string
	PhaseID      int
	PhaseName    string
	UnitName     string
	Personality  domain.Personality
	Approach     domain.Approach
	Success      bool
	// PriorOutcomes holds the results of earlier phases, in order.
	PriorOutcomes []bool
	// Template is the catalog text; it may contain {unit}.
	Template string
}

type Generator interface {
	Generate(ctx context.Context, c Context) (string, error)
}

const unitPlaceholder = "{unit}"

// Render substitutes the unit name into a catalog template.
func Render(template, unit string) string {
	if unit == "" {
		unit = "The unit"
	}
	return strings.ReplaceAll(template, unitPlaceholder, unit)
}

// Static renders catalog templates and never fails.
type Static struct{}

func (Static) Generate(_ context.Context, c Context) (string, error) {
	return Render(c.Template, c.UnitName), nil
}

// Prompt builds the instruction sent to language-model backends.
func Prompt(c Context) string {
	outcome := "failed"
	if c.Success {
		outcome = "succeeded"
	}
	var b strings.Builder
	b.WriteString("You write terse, atmospheric field reports for a resistance network fighting a surveillance state.\n")
	fmt.Fprintf(&b, "Mission: %s (%s)\n", c.MissionTitle, c.MissionID)
	switch c.Kind {
	case KindPhase:
		fmt.Fprintf(&b, "Phase %d, %s: the operative %s.\n", c.PhaseID, c.PhaseName, outcome)
	default:
		fmt.Fprintf(&b, "Mission debrief: overall the operation %s.\n", outcome)
	}
	if len(c.PriorOutcomes) > 0 {
		failed := 0
		for _, ok := range c.PriorOutcomes {
			if !ok {
				failed++
			}
		}
		fmt.Fprintf(&b, "Earlier phases: %d of %d went wrong.\n", failed, len(c.PriorOutcomes))
	}
	fmt.Fprintf(&b, "Operative: %s, %s personality, %s-risk approach.\n", c.UnitName, c.Personality, c.Approach)
	fmt.Fprintf(&b, "Reference text: %s\n", Render(c.Template, c.UnitName))
	b.WriteString("Write one or two sentences in present tense. No preamble, no quotes.")
	return b.String()
}

// Fallback wraps a primary generator with a timeout and the static template.
type Fallback struct {
	Primary Generator
	Timeout time.Duration
	Log     zerolog.Logger
}

// WithFallback returns a generator whose Generate never returns an error.
func WithFallback(primary Generator, timeout time.Duration, log zerolog.Logger) *Fallback {
	return &Fallback{Primary: primary, Timeout: timeout, Log: log}
}

func (f *Fallback) Generate(ctx context.Context, c Context) (string, error) {
	if f.Primary == nil {
		return Render(c.Template, c.UnitName), nil
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	text, err := f.Primary.Generate(ctx, c)
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		f.Log.Debug().Err(err).Str("mission_id", c.MissionID).Int("phase_id", c.PhaseID).Msg("narrative fallback")
		return Render(c.Template, c.UnitName), nil
	}
	return text, nil
}
