// ============================================================================
// fleetlink Task Ledger
// ============================================================================
//
// Package: internal/ledger
// File: ledger.go
//
// Durable record of every significant inbound task, keyed by trace id.
//
//   SaveTask      → pending (timeout horizon by command)
//   UpdateStatus  → processing / failed / completed
//   DeleteTask    → gone (task finished and receipted)
//   sweep         → expired records dropped silently
//
// Every mutation hands the full table to the Store. On startup
// RecoverPendingTasks reports a failure receipt for each task a restart
// interrupted, once its device is connected again.
//
// If the store cannot be loaded the ledger runs degraded: Disabled() is true,
// mutations are no-ops and recovery is skipped.
//
// ============================================================================

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetlink/internal/metrics"
	"github.com/ChuLiYu/fleetlink/internal/retry"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

// Defaults.
const (
	DefaultTimeout       = 15 * time.Minute
	LongTimeout          = 30 * time.Minute
	DefaultSweepInterval = 60 * time.Second

	// InterruptedReason is the receipt text for tasks lost to a restart.
	InterruptedReason = "execution interrupted by restart"
)

var (
	ErrTaskNotFound = errors.New("ledger: task not found")

	errNotConnected = errors.New("device not connected")
)

// longCommands run against the slower collection flows.
var longCommands = map[types.Command]bool{
	types.CommandCollectArticle:    true,
	types.CommandCollectComment:    true,
	types.CommandGetArticleReading: true,
}

// Persistable reports whether cmd is stored by SaveTask. Protocol and
// liveness chatter never is.
func Persistable(cmd types.Command) bool {
	switch cmd {
	case "", types.CommandPing, types.CommandPong, types.CommandBind, types.CommandUnbind, types.CommandReceipt,
		"status", "heartbeat", "ack", "login":
		return false
	}
	return true
}

// TimeoutFor returns the timeout horizon of cmd.
func TimeoutFor(cmd types.Command) time.Duration {
	if longCommands[cmd] {
		return LongTimeout
	}
	return DefaultTimeout
}

// Connectivity tells recovery whether a device is reachable.
type Connectivity interface {
	IsConnected(deviceID string) bool
}

// Reporter delivers the failure receipt of an interrupted task.
type Reporter interface {
	ReportFailure(deviceID string, msg types.Message, reason string)
}

// Config configures a Ledger.
type Config struct {
	SweepInterval time.Duration
	// Recovery bounds the wait for a device connection during recovery.
	Recovery retry.Policy
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// RecoveryStats summarises one RecoverPendingTasks run.
type RecoveryStats struct {
	Reported    int
	Expired     int
	Unreachable int
}

// Ledger is the in-memory task table mirrored to a Store.
type Ledger struct {
	cfg      Config
	store    Store
	logger   *slog.Logger
	metrics  *metrics.Collector
	now      func() time.Time
	disabled bool

	mu    sync.Mutex
	tasks map[string]*types.TaskRecord

	stopCh  chan struct{}
	stopped bool
	loopWg  sync.WaitGroup
}

// Open loads the table from store and writes it straight back, so a store
// that can be read but not written is caught at startup. A failure of either
// step does not fail Open: the ledger comes back disabled and the error is
// logged.
func Open(cfg Config, store Store) *Ledger {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Recovery.MaxAttempts == 0 && len(cfg.Recovery.Schedule) == 0 && cfg.Recovery.Base == 0 {
		cfg.Recovery = retry.RecoveryPolicy
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &Ledger{
		cfg:     cfg,
		store:   store,
		logger:  cfg.Logger.With("component", "ledger"),
		metrics: cfg.Metrics,
		now:     time.Now,
		tasks:   make(map[string]*types.TaskRecord),
		stopCh:  make(chan struct{}),
	}

	if store == nil {
		l.disabled = true
		l.logger.Error("no ledger store configured, running without task persistence")
		return l
	}
	data, err := store.Load()
	if err != nil {
		l.disabled = true
		l.logger.Error("ledger storage unavailable, running without task persistence", "error", err)
		return l
	}
	if data.Tasks == nil {
		data.Tasks = make(map[string]*types.TaskRecord)
	}
	if err := store.Save(types.LedgerData{Tasks: data.Tasks, SchemaVer: SchemaVersion}); err != nil {
		l.disabled = true
		l.logger.Error("ledger storage not writable, running without task persistence", "error", err)
		return l
	}
	l.tasks = data.Tasks
	l.logger.Info("ledger loaded", "tasks", len(l.tasks))
	l.metrics.SetLedgerPending(len(l.tasks))
	return l
}

// Disabled reports whether the ledger runs in degraded mode.
func (l *Ledger) Disabled() bool {
	return l.disabled
}

// SaveTask records msg as a pending task for accountID. It reports whether a
// record was written; denylisted commands and messages without a trace id
// are skipped.
func (l *Ledger) SaveTask(msg types.Message, accountID string) (bool, error) {
	if l.disabled {
		return false, nil
	}
	if !Persistable(msg.Command) || msg.TraceID == "" {
		return false, nil
	}
	content, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("encode task %s: %w", msg.TraceID, err)
	}

	now := l.now()
	ms := now.UnixMilli()
	rec := &types.TaskRecord{
		ID:         msg.TraceID,
		Command:    msg.Command,
		Content:    content,
		AccountID:  accountID,
		DeviceID:   msg.DeviceID,
		ReceivedAt: ms,
		TimeoutAt:  now.Add(TimeoutFor(msg.Command)).UnixMilli(),
		Status:     types.TaskPending,
		CreatedAt:  ms,
		UpdatedAt:  ms,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.tasks[rec.ID]; ok {
		rec.CreatedAt = prev.CreatedAt
	}
	next := maps.Clone(l.tasks)
	next[rec.ID] = rec
	if err := l.commitLocked(next); err != nil {
		return false, err
	}
	l.logger.Debug("task saved", "trace_id", rec.ID, "command", rec.Command, "device_id", rec.DeviceID)
	return true, nil
}

// UpdateStatus moves task id to status.
func (l *Ledger) UpdateStatus(id string, status types.TaskStatus) error {
	if l.disabled {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, ok := l.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	rec := *prev
	rec.Status = status
	rec.UpdatedAt = l.now().UnixMilli()
	next := maps.Clone(l.tasks)
	next[id] = &rec
	return l.commitLocked(next)
}

// DeleteTask removes task id. Deleting an unknown id is not an error.
func (l *Ledger) DeleteTask(id string) error {
	if l.disabled {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.tasks[id]; !ok {
		return nil
	}
	next := maps.Clone(l.tasks)
	delete(next, id)
	return l.commitLocked(next)
}

// Get returns a copy of task id.
func (l *Ledger) Get(id string) (types.TaskRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.tasks[id]
	if !ok {
		return types.TaskRecord{}, false
	}
	return *rec, true
}

// Pending returns the unfinished records (pending or processing) in
// receipt-time order.
func (l *Ledger) Pending() []types.TaskRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []types.TaskRecord
	for _, rec := range l.tasks {
		if rec.Status == types.TaskPending || rec.Status == types.TaskProcessing {
			out = append(out, *rec)
		}
	}
	sortByReceipt(out)
	return out
}

// List returns every record in receipt-time order.
func (l *Ledger) List() []types.TaskRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]types.TaskRecord, 0, len(l.tasks))
	for _, rec := range l.tasks {
		out = append(out, *rec)
	}
	sortByReceipt(out)
	return out
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Sweep deletes every record whose timeout horizon is behind now and
// returns how many were removed.
func (l *Ledger) Sweep(now time.Time) int {
	if l.disabled {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	next := maps.Clone(l.tasks)
	removed := 0
	for id, rec := range next {
		if rec.Expired(now) {
			delete(next, id)
			removed++
		}
	}
	if removed == 0 {
		return 0
	}
	if err := l.commitLocked(next); err != nil {
		l.logger.Warn("persist after sweep failed, retrying next sweep", "error", err)
		return 0
	}
	l.logger.Info("expired tasks swept", "removed", removed)
	return removed
}

// Start runs the sweep loop.
func (l *Ledger) Start() {
	if l.disabled {
		return
	}
	l.loopWg.Add(1)
	go func() {
		defer l.loopWg.Done()
		ticker := time.NewTicker(l.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopCh:
				return
			case <-ticker.C:
				l.Sweep(l.now())
			}
		}
	}()
}

// Stop ends the sweep loop and closes the store.
func (l *Ledger) Stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	close(l.stopCh)
	l.mu.Unlock()

	l.loopWg.Wait()
	if l.store != nil {
		return l.store.Close()
	}
	return nil
}

// RecoverPendingTasks reports every task a restart interrupted. Records are
// grouped per device and handled in receipt-time order: expired ones are
// deleted silently, the rest wait for the device connection, get a failure
// report and are deleted. When the device never connects the records are
// deleted unreported.
func (l *Ledger) RecoverPendingTasks(ctx context.Context, conn Connectivity, rep Reporter) RecoveryStats {
	return l.Recover(ctx, l.Pending(), conn, rep)
}

// Recover is RecoverPendingTasks over a snapshot taken earlier, so tasks
// accepted after the snapshot are left alone.
func (l *Ledger) Recover(ctx context.Context, pending []types.TaskRecord, conn Connectivity, rep Reporter) RecoveryStats {
	var stats RecoveryStats
	if l.disabled {
		l.logger.Warn("ledger disabled, skipping recovery")
		return stats
	}
	if len(pending) == 0 {
		return stats
	}
	l.logger.Info("recovering interrupted tasks", "count", len(pending))

	byDevice := make(map[string][]types.TaskRecord)
	var order []string
	for _, rec := range pending {
		if _, ok := byDevice[rec.DeviceID]; !ok {
			order = append(order, rec.DeviceID)
		}
		byDevice[rec.DeviceID] = append(byDevice[rec.DeviceID], rec)
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, deviceID := range order {
		wg.Add(1)
		go func(deviceID string, recs []types.TaskRecord) {
			defer wg.Done()
			s := l.recoverDevice(ctx, deviceID, recs, conn, rep)
			mu.Lock()
			stats.Reported += s.Reported
			stats.Expired += s.Expired
			stats.Unreachable += s.Unreachable
			mu.Unlock()
		}(deviceID, byDevice[deviceID])
	}
	wg.Wait()

	l.logger.Info("recovery finished",
		"reported", stats.Reported,
		"expired", stats.Expired,
		"unreachable", stats.Unreachable)
	return stats
}

func (l *Ledger) recoverDevice(ctx context.Context, deviceID string, recs []types.TaskRecord, conn Connectivity, rep Reporter) RecoveryStats {
	var stats RecoveryStats

	live := recs[:0:0]
	for _, rec := range recs {
		if rec.Expired(l.now()) {
			l.deleteQuiet(rec.ID)
			stats.Expired++
			l.metrics.RecordRecovered("expired")
			continue
		}
		live = append(live, rec)
	}
	if len(live) == 0 {
		return stats
	}

	err := retry.Do(ctx, l.cfg.Recovery, func() error {
		if conn.IsConnected(deviceID) {
			return nil
		}
		return errNotConnected
	}, nil)
	if err != nil {
		l.logger.Warn("device never reconnected, dropping interrupted tasks",
			"device_id", deviceID,
			"tasks", len(live),
			"error", err)
		for _, rec := range live {
			l.deleteQuiet(rec.ID)
			stats.Unreachable++
			l.metrics.RecordRecovered("unreachable")
		}
		return stats
	}

	for _, rec := range live {
		msg, err := rec.Message()
		if err != nil {
			l.logger.Warn("stored task unreadable", "trace_id", rec.ID, "error", err)
			msg = types.Message{Command: rec.Command, DeviceID: rec.DeviceID, TraceID: rec.ID}
		}
		if msg.DeviceID == "" {
			msg.DeviceID = deviceID
		}
		rep.ReportFailure(deviceID, msg, InterruptedReason)
		l.deleteQuiet(rec.ID)
		stats.Reported++
		l.metrics.RecordRecovered("reported")
		l.logger.Info("interrupted task reported", "trace_id", rec.ID, "device_id", deviceID)
	}
	return stats
}

func (l *Ledger) deleteQuiet(id string) {
	if err := l.DeleteTask(id); err != nil {
		l.logger.Warn("delete task failed", "trace_id", id, "error", err)
	}
}

// commitLocked writes next as the whole table and makes it the live table
// only once the store accepted it. Records are never edited in place, so a
// failed write leaves memory matching storage. Callers hold l.mu.
func (l *Ledger) commitLocked(next map[string]*types.TaskRecord) error {
	if err := l.store.Save(types.LedgerData{Tasks: next, SchemaVer: SchemaVersion}); err != nil {
		l.logger.Error("ledger persist failed", "error", err)
		return fmt.Errorf("persist ledger: %w", err)
	}
	l.tasks = next
	l.metrics.SetLedgerPending(len(next))
	return nil
}

func sortByReceipt(recs []types.TaskRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].ReceivedAt != recs[j].ReceivedAt {
			return recs[i].ReceivedAt < recs[j].ReceivedAt
		}
		return recs[i].ID < recs[j].ID
	})
}
