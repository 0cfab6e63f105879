package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/CosmoTheDev/webscan-engine/internal/database"
	"github.com/CosmoTheDev/webscan-engine/models"
)

// Scheduler loads gateway_schedules from the DB and registers them with
// robfig/cron. When a schedule fires it calls startFn (starting a scan on
// the engine) and records last_run_at.
type Scheduler struct {
	db      database.DB
	cron    *cron.Cron
	startFn func(Schedule)

	mu      sync.Mutex
	entries map[int64]cron.EntryID // schedule DB id → cron entry id
}

func newScheduler(db database.DB, startFn func(Schedule)) *Scheduler {
	return &Scheduler{
		db:      db,
		cron:    cron.New(),
		startFn: startFn,
		entries: make(map[int64]cron.EntryID),
	}
}

const scheduleColumns = `id, name, description, expr, target, scan_type, profile, enabled, last_run_at, created_at, updated_at`

// Start loads all enabled schedules from the DB and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	var schedules []Schedule
	if err := s.db.Select(ctx, &schedules,
		`SELECT `+scheduleColumns+` FROM gateway_schedules WHERE enabled = 1`,
	); err != nil {
		return fmt.Errorf("loading schedules: %w", err)
	}

	for _, sched := range schedules {
		if err := s.register(sched); err != nil {
			slog.Warn("scheduler: skipping schedule with invalid expression",
				"id", sched.ID, "name", sched.Name, "expr", sched.Expr, "error", err)
		}
	}

	s.cron.Start()
	slog.Info("gateway scheduler started", "schedules_loaded", len(schedules))
	return nil
}

// Stop halts the cron runner gracefully.
func (s *Scheduler) Stop() { s.cron.Stop() }

// register adds a schedule to the running cron instance.
func (s *Scheduler) register(sched Schedule) error {
	entryID, err := s.cron.AddFunc(sched.Expr, func() {
		if err := s.runSchedule(context.Background(), sched); err != nil {
			slog.Warn("scheduler: firing schedule failed",
				"id", sched.ID, "name", sched.Name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sched.Expr, err)
	}
	s.mu.Lock()
	s.entries[sched.ID] = entryID
	s.mu.Unlock()
	return nil
}

// validateSchedule checks the cron expression and target without touching
// any running cron instance.
func validateSchedule(sched Schedule) error {
	tmp := cron.New()
	id, err := tmp.AddFunc(sched.Expr, func() {})
	if err != nil {
		return fmt.Errorf("invalid schedule expression %q: %w", sched.Expr, err)
	}
	tmp.Remove(id)

	if _, err := models.ParseTarget(sched.Target); err != nil {
		return err
	}
	switch models.ScanType(sched.ScanType) {
	case models.ScanTypeFull, models.ScanTypeQuick, models.ScanTypeCustom:
	default:
		return fmt.Errorf("invalid scan type %q", sched.ScanType)
	}
	return nil
}

// Add validates, persists, and registers a new schedule. Returns the new DB id.
func (s *Scheduler) Add(ctx context.Context, sched Schedule) (int64, error) {
	if sched.ScanType == "" {
		sched.ScanType = string(models.ScanTypeFull)
	}
	if err := validateSchedule(sched); err != nil {
		return 0, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	sched.CreatedAt = now
	sched.UpdatedAt = now

	id, err := s.db.Insert(ctx, "gateway_schedules", sched)
	if err != nil {
		return 0, err
	}
	sched.ID = id
	if sched.Enabled {
		if err := s.register(sched); err != nil {
			slog.Warn("scheduler: persisted but could not register schedule",
				"id", id, "error", err)
		}
	}
	return id, nil
}

// Update validates, persists, and re-registers an existing schedule.
func (s *Scheduler) Update(ctx context.Context, id int64, sched Schedule) error {
	if sched.ScanType == "" {
		sched.ScanType = string(models.ScanTypeFull)
	}
	if err := validateSchedule(sched); err != nil {
		return err
	}

	var existing []Schedule
	if err := s.db.Select(ctx, &existing,
		`SELECT `+scheduleColumns+` FROM gateway_schedules WHERE id = ? LIMIT 1`, id,
	); err != nil {
		return fmt.Errorf("loading schedule %d: %w", id, err)
	}
	if len(existing) == 0 {
		return fmt.Errorf("no schedule with id %d", id)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if err := s.db.Exec(ctx,
		`UPDATE gateway_schedules
		    SET name = ?, description = ?, expr = ?, target = ?, scan_type = ?, profile = ?, enabled = ?, updated_at = ?
		  WHERE id = ?`,
		sched.Name, sched.Description, sched.Expr, sched.Target, sched.ScanType, sched.Profile, sched.Enabled, now, id,
	); err != nil {
		return err
	}

	s.mu.Lock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	sched.ID = id
	sched.CreatedAt = existing[0].CreatedAt
	sched.UpdatedAt = now
	sched.LastRunAt = existing[0].LastRunAt
	if sched.Enabled {
		if err := s.register(sched); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a schedule from cron and the DB.
func (s *Scheduler) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return s.db.Exec(ctx, "DELETE FROM gateway_schedules WHERE id = ?", id)
}

// List returns all schedules ordered by id.
func (s *Scheduler) List(ctx context.Context) ([]Schedule, error) {
	var out []Schedule
	err := s.db.Select(ctx, &out,
		`SELECT `+scheduleColumns+` FROM gateway_schedules ORDER BY id`)
	return out, err
}

// RunNow fires a schedule immediately regardless of its cron expression.
func (s *Scheduler) RunNow(ctx context.Context, id int64) error {
	var scheds []Schedule
	if err := s.db.Select(ctx, &scheds,
		`SELECT `+scheduleColumns+` FROM gateway_schedules WHERE id = ? LIMIT 1`, id,
	); err != nil {
		return fmt.Errorf("loading schedule %d: %w", id, err)
	}
	if len(scheds) == 0 {
		return fmt.Errorf("no schedule with id %d", id)
	}
	return s.runSchedule(ctx, scheds[0])
}

func (s *Scheduler) runSchedule(ctx context.Context, sched Schedule) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if err := s.db.Exec(ctx,
		"UPDATE gateway_schedules SET last_run_at = ? WHERE id = ?", now, sched.ID,
	); err != nil {
		return err
	}
	s.startFn(sched)
	return nil
}
