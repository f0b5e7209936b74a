// Package pipeline runs collection, routing, contextualization and actions
// for one instance as a single all-or-nothing commit.
package pipeline

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rednebmas/mem/internal/actions"
	"github.com/rednebmas/mem/internal/calendar"
	"github.com/rednebmas/mem/internal/config"
	"github.com/rednebmas/mem/internal/ingest"
	"github.com/rednebmas/mem/internal/llm"
	"github.com/rednebmas/mem/internal/notify"
	"github.com/rednebmas/mem/internal/store"
)

// Instance is everything a run needs. There is no global state: two
// instances in one process are fully independent.
type Instance struct {
	Config     *config.Config
	DB         *store.DB
	LLM        llm.Client
	Collectors []ingest.Collector
	Calendar   calendar.Calendar
	Notifier   notify.Notifier
	Logger     *zap.Logger
	// Now is the run clock; nil means time.Now.
	Now func() time.Time
}

// Open wires an instance from its configuration.
func Open(cfg *config.Config, logger *zap.Logger) (*Instance, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	client, err := llm.NewClient(cfg.LLM)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("llm: %w", err)
	}
	policy := llm.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.Pipeline.GatewayRetries
	collectors, err := ingest.FromConfig(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Instance{
		Config:     cfg,
		DB:         db,
		LLM:        llm.NewRetryClient(client, policy, logger.Named("llm")),
		Collectors: collectors,
		Calendar:   calendar.New(cfg.CalendarCommand),
		Notifier:   notify.New(cfg.NotifyCommand, logger.Named("notify")),
		Logger:     logger,
	}, nil
}

// Close releases the instance's database.
func (inst *Instance) Close() error {
	return inst.DB.Close()
}

// Clock returns the run clock.
func (inst *Instance) Clock() time.Time {
	if inst.Now != nil {
		return inst.Now()
	}
	return time.Now()
}

func (inst *Instance) logger() *zap.Logger {
	if inst.Logger == nil {
		return zap.NewNop()
	}
	return inst.Logger
}

// Registry loads the enabled actions.
func (inst *Instance) Registry() (*actions.Registry, error) {
	builtins := map[string]actions.Builtin{
		calendar.Name: calendar.Builtin(&calendar.Handler{
			Calendar: inst.Calendar,
			Notifier: inst.Notifier,
			Location: inst.Clock().Location(),
		}),
	}
	return actions.Load(inst.Config.Actions, builtins, inst.Config.RenderTemplate, inst.logger())
}

// ScoreOptions weighs activity for decay scores.
func (inst *Instance) ScoreOptions() store.ScoreOptions {
	return store.ScoreOptions{
		HalfLife:      inst.Config.HalfLife(),
		SourceWeights: inst.Config.Pipeline.SourceWeights,
	}
}
