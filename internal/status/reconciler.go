package status

import (
	"fmt"
	"sync"

	"github.com/pocketbase/pocketbase/core"

	"github.com/arata-labs/termorch/internal/audit"
	"github.com/arata-labs/termorch/internal/bus"
)

// Status values for the instances.status enum.
const (
	Idle     = "idle"
	Working  = "working"
	Awaiting = "awaiting"
	Error    = "error"
)

// Source tags recorded on the status_events audit trail.
const (
	SourceHook   = "hook"
	SourceLocal  = "local_poll"
	SourceRemote = "remote_poll"
	SourceManual = "manual"
)

// Reconciler is the single writer of instances.status. It serializes
// updates per instance id so two producers observing the same stale status
// can never both win with conflicting writes.
type Reconciler struct {
	app    core.App
	bus    *bus.Bus
	window *PriorityWindow

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewReconciler wires a Reconciler to the PocketBase app, the broadcast
// bus, and the hook-priority window it consults before heuristic writes.
func NewReconciler(app core.App, b *bus.Bus, window *PriorityWindow) *Reconciler {
	return &Reconciler{
		app:    app,
		bus:    b,
		window: window,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (r *Reconciler) lockFor(id string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// SubmitHook processes an authoritative hook event: {working} -> working,
// {stop, notification} -> idle. Any other event is dropped. Stop and
// notification hooks also record a priority-window entry so subsequent
// poller reads within the TTL are suppressed.
func (r *Reconciler) SubmitHook(id, event string) error {
	var candidate string
	var hookType HookType
	switch event {
	case "working":
		candidate, hookType = Working, HookWorking
	case "stop":
		candidate, hookType = Idle, HookStop
	case "notification":
		candidate, hookType = Idle, HookNotification
	default:
		return nil
	}

	if hookType != HookWorking {
		r.window.Record(id, hookType)
	}
	return r.apply(id, candidate, SourceHook)
}

// SubmitPoll processes a heuristic candidate from the local or remote
// poller. Dropped silently if a hook fired within the priority window.
func (r *Reconciler) SubmitPoll(id, candidate, source string) error {
	if r.window.ShouldDeferToHook(id) {
		return nil
	}
	return r.apply(id, candidate, source)
}

// SubmitManual applies an operator-driven status change (e.g. a manual
// reset endpoint), bypassing the priority window.
func (r *Reconciler) SubmitManual(id, candidate string) error {
	return r.apply(id, candidate, SourceManual)
}

func (r *Reconciler) apply(id, candidate, source string) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	record, err := r.app.FindRecordById("instances", id)
	if err != nil {
		return fmt.Errorf("status: find instance %s: %w", id, err)
	}

	current := record.GetString("status")
	if current == candidate {
		return nil
	}

	record.Set("status", candidate)
	if err := r.app.Save(record); err != nil {
		return fmt.Errorf("status: save instance %s: %w", id, err)
	}

	r.bus.Publish(bus.Event{Kind: bus.KindStatusChanged, InstanceID: id, Payload: candidate})
	r.recordActivityNote(id, current, candidate, source)
	return nil
}

// recordActivityNote emits a status-change audit row, and on the two
// semantic idle<->working transitions a human-readable activity note
// ("started"/"completed") in the detail payload.
func (r *Reconciler) recordActivityNote(id, from, to, source string) {
	action := "instance.status_changed"
	detail := map[string]any{"from": from, "to": to, "source": source}

	switch {
	case from == Idle && to == Working:
		detail["note"] = "started"
	case from == Working && to == Idle:
		detail["note"] = "completed"
	}

	audit.Write(r.app, audit.Entry{
		UserID:       "system",
		Action:       action,
		ResourceType: "instance",
		ResourceID:   id,
		Status:       audit.StatusSuccess,
		Detail:       detail,
	})
}
