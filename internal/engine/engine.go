package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"proxim8/internal/catalog"
	"proxim8/internal/domain"
	"proxim8/internal/events"
	"proxim8/internal/narrative"
	"proxim8/internal/repo"
	"proxim8/internal/simulation"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Catalog  *catalog.Catalog
	Narrator narrative.Generator
	Rand     simulation.Source
	Log      zerolog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cat *catalog.Catalog) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Catalog:  cat,
		Narrator: narrative.Static{},
		Rand:     simulation.NewSource(uint64(time.Now().UnixNano())),
		Log:      zerolog.Nop(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Clock is the engine's current time in UTC, falling back to the wall clock
// when Now is unset.
func (e Engine) Clock() time.Time {
	return e.now()
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) narrator() narrative.Generator {
	if e.Narrator == nil {
		return narrative.Static{}
	}
	return e.Narrator
}

// lookup maps a repository miss to a NotFound error naming the entity and
// anything else to a transient storage failure.
func lookup(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return domain.NotFoundf("%s %s not found", kind, id)
	}
	return storage("load "+kind, err)
}

func storage(op string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.Transient(op, err)
}

// Missions lists the catalog in unlock order.
func (e Engine) Missions() []catalog.MissionTemplate {
	return e.Catalog.List()
}

func (e Engine) CreateAgent(ctx context.Context, name string) (domain.Agent, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Agent{}, domain.Validationf("agent name is required")
	}
	now := e.now()
	a := domain.Agent{
		ID:        uuid.New().String(),
		Name:      name,
		Rank:      simulation.CalculateRank(0),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertAgent(ctx, a); err != nil {
		return domain.Agent{}, storage("insert agent", err)
	}
	return a, nil
}

func (e Engine) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	a, err := e.Repo.GetAgent(ctx, id)
	return a, lookup(err, "agent", id)
}

// AgentMissions lists the catalog missions an agent has finished at least once.
func (e Engine) AgentMissions(ctx context.Context, agentID string) ([]domain.AgentMission, error) {
	if _, err := e.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	res, err := e.Repo.ListAgentMissions(ctx, agentID)
	if err != nil {
		return nil, storage("list agent missions", err)
	}
	return res, nil
}

// UnitCreateOptions are parameters for creating a unit.
type UnitCreateOptions struct {
	AgentID     string
	Name        string
	Personality domain.Personality
	Level       int
	Experience  int
}

func (e Engine) CreateUnit(ctx context.Context, opts UnitCreateOptions) (domain.Unit, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return domain.Unit{}, domain.Validationf("unit name is required")
	}
	if !opts.Personality.Valid() {
		return domain.Unit{}, domain.Validationf("invalid personality %q", opts.Personality)
	}
	if opts.Level == 0 {
		opts.Level = 1
	}
	if opts.Level < 1 {
		return domain.Unit{}, domain.Validationf("unit level must be >= 1")
	}
	if opts.Experience < 0 {
		return domain.Unit{}, domain.Validationf("unit experience must be >= 0")
	}
	if _, err := e.GetAgent(ctx, opts.AgentID); err != nil {
		return domain.Unit{}, err
	}
	now := e.now()
	u := domain.Unit{
		ID:          uuid.New().String(),
		AgentID:     opts.AgentID,
		Name:        opts.Name,
		Personality: opts.Personality,
		Level:       opts.Level,
		Experience:  opts.Experience,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertUnit(ctx, u); err != nil {
		return domain.Unit{}, storage("insert unit", err)
	}
	return u, nil
}

func (e Engine) GetUnit(ctx context.Context, id string) (domain.Unit, error) {
	u, err := e.Repo.GetUnit(ctx, id)
	return u, lookup(err, "unit", id)
}

func (e Engine) ListUnits(ctx context.Context, agentID string) ([]domain.Unit, error) {
	if _, err := e.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	units, err := e.Repo.ListUnits(ctx, agentID)
	if err != nil {
		return nil, storage("list units", err)
	}
	return units, nil
}

// Compatibility previews the score a unit would get on a mission.
func (e Engine) Compatibility(ctx context.Context, unitID, missionID string) (domain.Compatibility, error) {
	m, err := e.Catalog.Get(missionID)
	if err != nil {
		return domain.Compatibility{}, err
	}
	u, err := e.GetUnit(ctx, unitID)
	if err != nil {
		return domain.Compatibility{}, err
	}
	return simulation.CalculateCompatibility(u, m.Compatibility)
}

func (e Engine) ListEvents(ctx context.Context, entityKind, entityID string) ([]domain.Event, error) {
	evts, err := e.Events.List(ctx, entityKind, entityID)
	if err != nil {
		return nil, storage("list events", err)
	}
	return evts, nil
}
