// Package catalog holds the read-only registry of mission templates.
//
// Templates are authored in YAML and validated once at load time; a catalog
// that fails validation is never returned, so callers treat a load error as
// fatal at startup.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"proxim8/internal/domain"
)

//go:embed missions.yml
var defaultCatalog []byte

// Range is an inclusive [min, max] interval, written as a two-element list.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r *Range) UnmarshalYAML(n *yaml.Node) error {
	var v []float64
	if err := n.Decode(&v); err != nil {
		return err
	}
	if len(v) != 2 {
		return fmt.Errorf("line %d: range must have exactly two values, got %d", n.Line, len(v))
	}
	r.Min, r.Max = v[0], v[1]
	return nil
}

type Phase struct {
	ID               int    `yaml:"id" json:"id"`
	Name             string `yaml:"name" json:"name"`
	DurationPercent  int    `yaml:"duration_percent" json:"duration_percent"`
	SuccessNarrative string `yaml:"success" json:"success_narrative"`
	FailureNarrative string `yaml:"failure" json:"failure_narrative"`
}

type Approach struct {
	SuccessRate   Range `yaml:"success_rate" json:"success_rate"`
	TimelineShift Range `yaml:"timeline_shift" json:"timeline_shift"`
}

type Compatibility struct {
	Preferred []domain.Personality `yaml:"preferred" json:"preferred"`
	Bonus     float64              `yaml:"bonus" json:"bonus"`
	Penalty   float64              `yaml:"penalty" json:"penalty"`
}

// Prefers reports whether p is one of the preferred personalities.
func (c Compatibility) Prefers(p domain.Personality) bool {
	for _, v := range c.Preferred {
		if v == p {
			return true
		}
	}
	return false
}

type Completion struct {
	Success string `yaml:"success" json:"success"`
	Failure string `yaml:"failure" json:"failure"`
}

type MissionTemplate struct {
	ID            string                       `yaml:"id" json:"id"`
	Sequence      int                          `yaml:"sequence" json:"sequence"`
	Title         string                       `yaml:"title" json:"title"`
	Description   string                       `yaml:"description" json:"description,omitempty"`
	RawDuration   string                       `yaml:"duration" json:"-"`
	Duration      time.Duration                `yaml:"-" json:"duration"`
	LoreFragment  string                       `yaml:"lore_fragment" json:"lore_fragment"`
	Compatibility Compatibility                `yaml:"compatibility" json:"compatibility"`
	Approaches    map[domain.Approach]Approach `yaml:"approaches" json:"approaches"`
	Phases        []Phase                      `yaml:"phases" json:"phases"`
	Completion    Completion                   `yaml:"completion" json:"completion"`
}

// Approach returns the tuning for a risk tier.
func (m MissionTemplate) Approach(a domain.Approach) (Approach, error) {
	if !a.Valid() {
		return Approach{}, domain.Validationf("invalid approach %q", a)
	}
	ap, ok := m.Approaches[a]
	if !ok {
		return Approach{}, domain.Validationf("mission %s has no %s approach", m.ID, a)
	}
	return ap, nil
}

// Phase returns the phase with the given 1-based id.
func (m MissionTemplate) Phase(id int) (Phase, bool) {
	if id < 1 || id > len(m.Phases) {
		return Phase{}, false
	}
	return m.Phases[id-1], true
}

type file struct {
	Missions []MissionTemplate `yaml:"missions"`
}

// Catalog is immutable after Load.
type Catalog struct {
	missions []MissionTemplate
	byID     map[string]int
	bySeq    map[int]int
}

// Default returns the embedded training catalog.
func Default() (*Catalog, error) {
	return Load(defaultCatalog)
}

// FromFile loads a catalog from a YAML file.
func FromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(data)
}

// Load parses and validates a catalog.
func Load(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	if len(f.Missions) == 0 {
		return nil, fmt.Errorf("catalog has no missions")
	}
	c := &Catalog{
		byID:  make(map[string]int, len(f.Missions)),
		bySeq: make(map[int]int, len(f.Missions)),
	}
	for _, m := range f.Missions {
		if err := normalize(&m); err != nil {
			return nil, err
		}
		if _, dup := c.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate mission id %s", m.ID)
		}
		if _, dup := c.bySeq[m.Sequence]; dup {
			return nil, fmt.Errorf("mission %s: duplicate sequence %d", m.ID, m.Sequence)
		}
		c.missions = append(c.missions, m)
	}
	sort.Slice(c.missions, func(i, j int) bool { return c.missions[i].Sequence < c.missions[j].Sequence })
	for i, m := range c.missions {
		c.byID[m.ID] = i
		c.bySeq[m.Sequence] = i
	}
	for _, m := range c.missions {
		if m.Sequence > 1 {
			if _, ok := c.bySeq[m.Sequence-1]; !ok {
				return nil, fmt.Errorf("mission %s: sequence %d has no predecessor", m.ID, m.Sequence)
			}
		}
	}
	return c, nil
}

func normalize(m *MissionTemplate) error {
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return fmt.Errorf("mission id is required")
	}
	if m.Sequence < 1 {
		return fmt.Errorf("mission %s: sequence must be >= 1", m.ID)
	}
	d, err := time.ParseDuration(m.RawDuration)
	if err != nil {
		return fmt.Errorf("mission %s: invalid duration %q: %w", m.ID, m.RawDuration, err)
	}
	if d <= 0 {
		return fmt.Errorf("mission %s: duration must be positive", m.ID)
	}
	m.Duration = d
	if m.LoreFragment == "" {
		m.LoreFragment = "fragment-" + m.ID
	}
	return Validate(*m)
}

// Validate checks one template's invariants.
func Validate(m MissionTemplate) error {
	if len(m.Phases) != domain.PhaseCount {
		return fmt.Errorf("mission %s: expected %d phases, got %d", m.ID, domain.PhaseCount, len(m.Phases))
	}
	total := 0
	for i, p := range m.Phases {
		if p.ID != i+1 {
			return fmt.Errorf("mission %s: phase %d out of order (id %d)", m.ID, i+1, p.ID)
		}
		if p.DurationPercent <= 0 {
			return fmt.Errorf("mission %s: phase %d duration_percent must be positive", m.ID, p.ID)
		}
		if p.SuccessNarrative == "" || p.FailureNarrative == "" {
			return fmt.Errorf("mission %s: phase %d needs success and failure narratives", m.ID, p.ID)
		}
		total += p.DurationPercent
	}
	if total != 100 {
		return fmt.Errorf("mission %s: phase duration_percent sums to %d, want 100", m.ID, total)
	}
	for _, a := range domain.Approaches {
		ap, ok := m.Approaches[a]
		if !ok {
			return fmt.Errorf("mission %s: missing %s approach", m.ID, a)
		}
		if ap.SuccessRate.Min < 0 || ap.SuccessRate.Max > 1 || ap.SuccessRate.Min > ap.SuccessRate.Max {
			return fmt.Errorf("mission %s: %s success_rate must be an ordered range within [0,1]", m.ID, a)
		}
		if ap.TimelineShift.Min < 0 || ap.TimelineShift.Min > ap.TimelineShift.Max {
			return fmt.Errorf("mission %s: %s timeline_shift must be an ordered non-negative range", m.ID, a)
		}
	}
	if len(m.Approaches) != len(domain.Approaches) {
		return fmt.Errorf("mission %s: unknown approach type", m.ID)
	}
	if m.Compatibility.Bonus < 0 {
		return fmt.Errorf("mission %s: compatibility bonus must be >= 0", m.ID)
	}
	if m.Compatibility.Penalty > 0 {
		return fmt.Errorf("mission %s: compatibility penalty must be <= 0", m.ID)
	}
	for _, p := range m.Compatibility.Preferred {
		if !p.Valid() {
			return fmt.Errorf("mission %s: unknown personality %q", m.ID, p)
		}
	}
	if m.Completion.Success == "" || m.Completion.Failure == "" {
		return fmt.Errorf("mission %s: completion narratives are required", m.ID)
	}
	return nil
}

// Get returns a mission by id.
func (c *Catalog) Get(id string) (MissionTemplate, error) {
	i, ok := c.byID[id]
	if !ok {
		return MissionTemplate{}, domain.NotFoundf("mission %s not found", id)
	}
	return c.missions[i], nil
}

// BySequence returns the mission at a given unlock position.
func (c *Catalog) BySequence(seq int) (MissionTemplate, bool) {
	i, ok := c.bySeq[seq]
	if !ok {
		return MissionTemplate{}, false
	}
	return c.missions[i], true
}

// Previous returns the mission that must be completed before m.
func (c *Catalog) Previous(m MissionTemplate) (MissionTemplate, bool) {
	if m.Sequence <= 1 {
		return MissionTemplate{}, false
	}
	return c.BySequence(m.Sequence - 1)
}

// List returns missions in sequence order.
func (c *Catalog) List() []MissionTemplate {
	out := make([]MissionTemplate, len(c.missions))
	copy(out, c.missions)
	return out
}

func (c *Catalog) Len() int { return len(c.missions) }
