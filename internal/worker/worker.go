// Package worker manages the embedded Asynq task worker.
//
// The worker runs as a goroutine inside the PocketBase process, connecting
// to Redis for scheduled retention sweeps. Terminal I/O and status
// reconciliation are deliberately kept off this path (see internal/status,
// internal/instance) — asynq's at-least-once, Redis-round-trip semantics
// are the right fit for periodic maintenance jobs, not the hot path.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"

	"github.com/arata-labs/termorch/internal/audit"
	"github.com/arata-labs/termorch/internal/status"
)

// TaskPruneStatusEvents sweeps old instance status-change audit rows
// (shared audit_logs, resource_type="instance") and stale per-project
// session-log directories under the local poller's log root.
const TaskPruneStatusEvents = "prune:status_events"

// PruneStatusEventsPayload carries the retention window, in days, for both
// sweeps the task performs.
type PruneStatusEventsPayload struct {
	RetentionDays int `json:"retention_days"`
}

// DefaultRetentionDays is used when a payload omits RetentionDays.
const DefaultRetentionDays = 30

// Worker manages the Asynq server, a periodic scheduler, and a shared
// client for enqueuing tasks.
type Worker struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	client    *asynq.Client
	app       core.App
}

// New creates a Worker wired to Redis (REDIS_ADDR, default localhost:6379)
// and the PocketBase app used for pruning audit_logs rows. Call Start to
// begin processing and scheduling, and Shutdown to stop both.
func New(app core.App) *Worker {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	opt := asynq.RedisClientOpt{Addr: redisAddr}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			"default": 1,
		},
	})

	return &Worker{
		server:    srv,
		scheduler: asynq.NewScheduler(opt, nil),
		client:    asynq.NewClient(opt),
		app:       app,
	}
}

// Start begins processing tasks and registers the recurring prune schedule
// (daily at 03:00). This should be called only once during the application
// lifecycle.
func (w *Worker) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskPruneStatusEvents, w.handlePruneStatusEvents)

	go func() {
		if err := w.server.Run(mux); err != nil {
			log.Printf("asynq worker error: %v", err)
		}
	}()

	payload, err := json.Marshal(PruneStatusEventsPayload{RetentionDays: DefaultRetentionDays})
	if err != nil {
		return fmt.Errorf("worker: marshal prune payload: %w", err)
	}
	if _, err := w.scheduler.Register("0 3 * * *", asynq.NewTask(TaskPruneStatusEvents, payload)); err != nil {
		return fmt.Errorf("worker: register prune schedule: %w", err)
	}

	go func() {
		if err := w.scheduler.Run(); err != nil {
			log.Printf("asynq scheduler error: %v", err)
		}
	}()

	return nil
}

// Client returns the shared Asynq client for enqueuing tasks on demand
// (e.g. an admin "prune now" endpoint).
func (w *Worker) Client() *asynq.Client {
	return w.client
}

// Shutdown gracefully stops the worker, scheduler, and client connection.
func (w *Worker) Shutdown() {
	w.scheduler.Shutdown()
	w.server.Shutdown()
	_ = w.client.Close()
}

func (w *Worker) handlePruneStatusEvents(_ context.Context, t *asynq.Task) error {
	var p PruneStatusEventsPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		log.Printf("handlePruneStatusEvents: unmarshal payload: %v", err)
		return err
	}
	if p.RetentionDays <= 0 {
		p.RetentionDays = DefaultRetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -p.RetentionDays)

	prunedEvents, err := w.pruneAuditEvents(cutoff)
	if err != nil {
		audit.Write(w.app, audit.Entry{
			UserID:       "system",
			Action:       "worker.prune_status_events",
			ResourceType: "instance",
			Status:       audit.StatusFailed,
			Detail:       map[string]any{"error": err.Error()},
		})
		return err
	}

	prunedDirs, err := w.pruneSessionLogDirs(cutoff)
	if err != nil {
		log.Printf("handlePruneStatusEvents: session log sweep: %v", err)
	}

	audit.Write(w.app, audit.Entry{
		UserID:       "system",
		Action:       "worker.prune_status_events",
		ResourceType: "instance",
		Status:       audit.StatusSuccess,
		Detail: map[string]any{
			"retention_days":  p.RetentionDays,
			"pruned_events":   prunedEvents,
			"pruned_log_dirs": prunedDirs,
			"cutoff":          cutoff.Format(time.RFC3339),
		},
	})
	return nil
}

// pruneAuditEvents deletes audit_logs rows older than cutoff whose
// resource_type is "instance" — the status-change trail recorded by
// internal/status.Reconciler.recordActivityNote.
func (w *Worker) pruneAuditEvents(cutoff time.Time) (int, error) {
	recs, err := w.app.FindRecordsByFilter(
		"audit_logs",
		"resource_type = 'instance' && created < {:cutoff}",
		"", 0, 0,
		dbx.Params{"cutoff": cutoff.UTC().Format(types.DefaultDateLayout)},
	)
	if err != nil {
		return 0, fmt.Errorf("worker: find stale audit_logs: %w", err)
	}

	deleted := 0
	for _, r := range recs {
		if err := w.app.Delete(r); err != nil {
			log.Printf("pruneAuditEvents: delete %s: %v", r.Id, err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// pruneSessionLogDirs removes per-project session-log subdirectories under
// the local poller's log root whose newest file predates cutoff — these
// accumulate one directory per distinct working directory ever polled and
// are otherwise never cleaned up.
func (w *Worker) pruneSessionLogDirs(cutoff time.Time) (int, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return 0, fmt.Errorf("worker: resolve home dir: %w", err)
	}
	root := filepath.Join(home, status.LogRootDir)

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("worker: read log root: %w", err)
	}

	pruned := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		newest, ok := newestModTime(dir)
		if ok && newest.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("pruneSessionLogDirs: remove %s: %v", dir, err)
			continue
		}
		pruned++
	}
	return pruned, nil
}

func newestModTime(dir string) (time.Time, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, false
	}
	var newest time.Time
	found := false
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
			found = true
		}
	}
	return newest, found
}
