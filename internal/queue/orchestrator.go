package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"droidfleet.sh/internal/dferrors"
	"droidfleet.sh/internal/events"
	"droidfleet.sh/internal/executor"
	"droidfleet.sh/internal/metrics"
	"droidfleet.sh/internal/models"
)

// ExecutorAPI is the test-executor surface the orchestrator drives.
type ExecutorAPI interface {
	Execute(ctx context.Context, req executor.Request) (*models.TestReport, error)
	Stop(executionID string) bool
}

// Store persists merged split reports.
type Store interface {
	PutTestReport(r *models.TestReport) error
}

// Config assembles an Orchestrator's collaborators.
type Config struct {
	Executor ExecutorAPI
	Store    Store
	// Emitter broadcasts queue events to every subscriber.
	Emitter events.Emitter
	// SendTo delivers an event to one subscriber. Optional.
	SendTo func(socketID, eventType string, data any)
	Logger *slog.Logger
	// TerminalHistory caps how many settled items stay visible in
	// status queries. Defaults to 100.
	TerminalHistory int
}

// item wraps a queue item with orchestrator-internal bookkeeping.
type item struct {
	models.QueueItem

	cancelRequested bool
	// splitParent groups the partial reports of a split run.
	splitParent string
}

// Orchestrator admits submissions from many users, assigns runs to
// idle devices, and keeps per-device FIFO queues ordered by priority.
// All queue state is mutated under one critical section; assignment
// and cancellation are atomic.
type Orchestrator struct {
	exec   ExecutorAPI
	store  Store
	emit   events.Emitter
	sendTo func(socketID, eventType string, data any)
	logger *slog.Logger

	historyLimit int

	mu        sync.Mutex
	items     map[string]*item            // queueId → item, non-terminal
	perDevice map[string][]string         // deviceId → waiting queueIds
	busy      map[string]string           // deviceId → running queueId
	userIndex map[string]map[string]bool  // socketId → queueIds
	splits    map[string][]*models.TestReport // parent queueId → partial reports
	splitOpen map[string]int              // parent queueId → outstanding halves
	terminal  []models.QueueItem

	// duration history for wait estimation
	completedCount int64
	totalDuration  time.Duration

	wg sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emit := cfg.Emitter
	if emit == nil {
		emit = events.NopEmitter
	}
	limit := cfg.TerminalHistory
	if limit <= 0 {
		limit = 100
	}
	return &Orchestrator{
		exec:         cfg.Executor,
		store:        cfg.Store,
		emit:         emit,
		sendTo:       cfg.SendTo,
		logger:       logger.With("component", "queue"),
		historyLimit: limit,
		items:        make(map[string]*item),
		perDevice:    make(map[string][]string),
		busy:         make(map[string]string),
		userIndex:    make(map[string]map[string]bool),
		splits:       make(map[string][]*models.TestReport),
		splitOpen:    make(map[string]int),
	}
}

// SubmitResponse is what a caller learns about its admitted item.
type SubmitResponse struct {
	QueueID           string           `json:"queueId"`
	ExecutionID       string           `json:"executionId,omitempty"`
	Status            models.QueueState `json:"status"`
	Position          int              `json:"position,omitempty"`
	EstimatedWaitTime int64            `json:"estimatedWaitTime,omitempty"`
}

// SubmitTest admits one submission and attempts assignment.
func (o *Orchestrator) SubmitTest(req models.TestRequest, socketID string) (*SubmitResponse, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, dferrors.Wrap(dferrors.ErrValidation, err.Error())
	}

	it := &item{QueueItem: models.QueueItem{
		QueueID:          uuid.New().String(),
		UserName:         req.UserName,
		SocketID:         socketID,
		DeviceIDs:        append([]string(nil), req.DeviceIDs...),
		ScenarioIDs:      append([]string(nil), req.ScenarioIDs...),
		RepeatCount:      req.RepeatCount,
		ScenarioInterval: req.ScenarioInterval,
		Priority:         req.Priority,
		TestName:         req.TestName,
		SplitExecution:   req.SplitExecution,
		SubmittedAt:      time.Now(),
		State:            models.QueueStateQueued,
	}}

	o.mu.Lock()
	o.items[it.QueueID] = it
	for _, deviceID := range it.DeviceIDs {
		o.enqueueLocked(deviceID, it)
	}
	if socketID != "" {
		if o.userIndex[socketID] == nil {
			o.userIndex[socketID] = make(map[string]bool)
		}
		o.userIndex[socketID][it.QueueID] = true
	}
	o.assignLocked()

	resp := &SubmitResponse{
		QueueID: it.QueueID,
		Status:  it.State,
	}
	if it.State == models.QueueStateRunning || it.State == models.QueueStateSplit {
		resp.ExecutionID = it.QueueID
	} else {
		resp.Position = o.positionLocked(it)
		resp.EstimatedWaitTime = o.estimatedWaitLocked(it)
	}
	depth := o.queuedCountLocked()
	o.mu.Unlock()

	metrics.QueueSubmittedTotal.Inc()
	metrics.QueueDepth.Set(float64(depth))
	o.emit(events.QueueSubmitted, resp)
	o.logger.Info("submission admitted",
		"queue_id", it.QueueID,
		"user", it.UserName,
		"devices", len(it.DeviceIDs),
		"state", it.State)
	return resp, nil
}

// enqueueLocked inserts the item into one device queue keeping it
// sorted by (priority desc, submittedAt asc), stable.
func (o *Orchestrator) enqueueLocked(deviceID string, it *item) {
	q := o.perDevice[deviceID]
	pos := len(q)
	for i, other := range q {
		if o.items[other] != nil && o.items[other].Priority < it.Priority {
			pos = i
			break
		}
	}
	q = append(q, "")
	copy(q[pos+1:], q[pos:])
	q[pos] = it.QueueID
	o.perDevice[deviceID] = q
}

// assignLocked repeatedly assigns queue heads to idle device sets until
// nothing more can start.
func (o *Orchestrator) assignLocked() {
	for {
		started := false
		for deviceID, q := range o.perDevice {
			if len(q) == 0 {
				continue
			}
			if _, taken := o.busy[deviceID]; taken {
				continue
			}
			it, ok := o.items[q[0]]
			if !ok || it.State != models.QueueStateQueued {
				o.perDevice[deviceID] = q[1:]
				started = true
				continue
			}

			idle, waiting := o.partitionIdleLocked(it.DeviceIDs)
			if len(waiting) == 0 {
				// A requeued split clone keeps reporting under its
				// original parent.
				parent := it.QueueID
				if it.splitParent != "" {
					parent = it.splitParent
				}
				o.startLocked(it, it.DeviceIDs, parent)
				started = true
				break
			}
			if it.SplitExecution && len(idle) > 0 {
				o.splitLocked(it, idle, waiting)
				started = true
				break
			}
		}
		if !started {
			return
		}
	}
}

func (o *Orchestrator) partitionIdleLocked(deviceIDs []string) (idle, waiting []string) {
	for _, id := range deviceIDs {
		if _, taken := o.busy[id]; taken {
			waiting = append(waiting, id)
		} else {
			idle = append(idle, id)
		}
	}
	return idle, waiting
}

// startLocked transitions an item to running on the given device set
// and dispatches it. parentID keys split-report grouping; for whole
// runs it equals the item's own queue id.
func (o *Orchestrator) startLocked(it *item, deviceIDs []string, parentID string) {
	it.State = models.QueueStateRunning
	it.splitParent = parentID
	for _, id := range deviceIDs {
		o.busy[id] = it.QueueID
		o.removeFromQueueLocked(id, it.QueueID)
	}

	metrics.QueueAssignedTotal.Inc()
	o.emit(events.QueueAssigned, map[string]any{
		"queueId":     it.QueueID,
		"executionId": it.QueueID,
		"deviceIds":   deviceIDs,
	})

	req := executor.Request{
		ExecutionID:      it.QueueID,
		QueueID:          parentID,
		DeviceIDs:        append([]string(nil), deviceIDs...),
		ScenarioIDs:      append([]string(nil), it.ScenarioIDs...),
		RepeatCount:      it.RepeatCount,
		ScenarioInterval: it.ScenarioInterval,
		UserName:         it.UserName,
		SocketID:         it.SocketID,
		TestName:         it.TestName,
	}

	o.wg.Add(1)
	go o.run(it.QueueID, req, deviceIDs)
}

// splitLocked dispatches the idle subset now and requeues a clone of
// the item for the remaining devices. Both halves report under the
// original queue id.
func (o *Orchestrator) splitLocked(it *item, idle, waiting []string) {
	parentID := it.splitParent
	if parentID == "" {
		parentID = it.QueueID
	}

	clone := &item{QueueItem: models.QueueItem{
		QueueID:          uuid.New().String(),
		UserName:         it.UserName,
		SocketID:         it.SocketID,
		DeviceIDs:        append([]string(nil), waiting...),
		ScenarioIDs:      append([]string(nil), it.ScenarioIDs...),
		RepeatCount:      it.RepeatCount,
		ScenarioInterval: it.ScenarioInterval,
		Priority:         it.Priority,
		TestName:         it.TestName,
		SplitExecution:   true,
		SubmittedAt:      time.Now(),
		State:            models.QueueStateQueued,
		ParentQueueID:    parentID,
	}}
	clone.splitParent = parentID

	// Drop the original from the queues of the devices the clone takes over.
	for _, id := range waiting {
		o.removeFromQueueLocked(id, it.QueueID)
	}

	o.items[clone.QueueID] = clone
	for _, id := range waiting {
		o.enqueueLocked(id, clone)
	}
	if it.SocketID != "" {
		if o.userIndex[it.SocketID] == nil {
			o.userIndex[it.SocketID] = make(map[string]bool)
		}
		o.userIndex[it.SocketID][clone.QueueID] = true
	}

	if it.splitParent != "" {
		// A re-split clone was already counted as one half; splitting it
		// again adds only the new half.
		o.splitOpen[parentID]++
	} else {
		o.splitOpen[parentID] += 2
	}

	o.logger.Info("submission split",
		"queue_id", it.QueueID,
		"parent_id", parentID,
		"running_now", idle,
		"requeued", waiting)

	o.startLocked(it, idle, parentID)
	it.State = models.QueueStateSplit
}

// run executes one assigned item and settles it afterwards. Runs
// outside the lock.
func (o *Orchestrator) run(queueID string, req executor.Request, deviceIDs []string) {
	defer o.wg.Done()

	started := time.Now()
	report, err := o.exec.Execute(context.Background(), req)
	if err != nil {
		o.logger.Error("execution failed", "queue_id", queueID, "error", err)
	}
	o.settle(queueID, deviceIDs, report, err, time.Since(started))
}

func (o *Orchestrator) settle(queueID string, deviceIDs []string, report *models.TestReport, execErr error, elapsed time.Duration) {
	o.mu.Lock()
	it, ok := o.items[queueID]
	if !ok {
		o.mu.Unlock()
		return
	}

	for _, id := range deviceIDs {
		if o.busy[id] == queueID {
			delete(o.busy, id)
		}
	}

	switch {
	case execErr != nil:
		it.State = models.QueueStateFailed
	case it.cancelRequested || (report != nil && report.Status == models.ExecutionStopped):
		it.State = models.QueueStateCancelled
	case report != nil && report.Status == models.ExecutionFailed:
		it.State = models.QueueStateFailed
	default:
		it.State = models.QueueStateCompleted
	}

	if execErr == nil {
		o.completedCount++
		o.totalDuration += elapsed
	}

	parentID := it.splitParent
	var merged *models.TestReport
	if parentID != "" && o.splitOpen[parentID] > 0 {
		if report != nil {
			o.splits[parentID] = append(o.splits[parentID], report)
		}
		o.splitOpen[parentID]--
		if o.splitOpen[parentID] == 0 {
			merged = mergeReports(parentID, o.splits[parentID])
			delete(o.splits, parentID)
			delete(o.splitOpen, parentID)
		}
	}

	o.retireLocked(it)
	o.assignLocked()
	depth := o.queuedCountLocked()
	state := it.State
	o.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	if merged != nil && o.store != nil {
		if err := o.store.PutTestReport(merged); err != nil {
			o.logger.Error("failed to persist merged split report",
				"queue_id", parentID, "error", err)
		}
	}
	o.logger.Info("submission settled", "queue_id", queueID, "state", state)
}

// retireLocked moves an item out of the active map into the bounded
// terminal history.
func (o *Orchestrator) retireLocked(it *item) {
	delete(o.items, it.QueueID)
	if it.SocketID != "" {
		delete(o.userIndex[it.SocketID], it.QueueID)
		if len(o.userIndex[it.SocketID]) == 0 {
			delete(o.userIndex, it.SocketID)
		}
	}
	o.terminal = append(o.terminal, it.QueueItem)
	if len(o.terminal) > o.historyLimit {
		o.terminal = o.terminal[len(o.terminal)-o.historyLimit:]
	}
}

// mergeReports folds the partial reports of a split run into one,
// keyed by the original queue id.
func mergeReports(parentID string, parts []*models.TestReport) *models.TestReport {
	if len(parts) == 0 {
		return nil
	}
	merged := &models.TestReport{
		ExecutionID: parentID,
		QueueID:     parentID,
		TestName:    parts[0].TestName,
		UserName:    parts[0].UserName,
		StartedAt:   parts[0].StartedAt,
		CompletedAt: parts[0].CompletedAt,
	}
	for _, p := range parts {
		merged.DeviceIDs = append(merged.DeviceIDs, p.DeviceIDs...)
		merged.DeviceResults = append(merged.DeviceResults, p.DeviceResults...)
		merged.SkippedIDs = append(merged.SkippedIDs, p.SkippedIDs...)
		if p.StartedAt.Before(merged.StartedAt) {
			merged.StartedAt = p.StartedAt
		}
		if p.CompletedAt.After(merged.CompletedAt) {
			merged.CompletedAt = p.CompletedAt
		}
	}
	sort.Strings(merged.DeviceIDs)
	merged.Summaries = nil
	merged.Stats = models.ComputeStats(merged.DeviceResults)
	switch {
	case merged.Stats.Failed == 0 && merged.Stats.Passed > 0:
		merged.Status = models.ExecutionCompleted
	case merged.Stats.Passed == 0:
		merged.Status = models.ExecutionFailed
	default:
		merged.Status = models.ExecutionPartial
	}
	return merged
}

// CancelTest cancels an item. Only the submitting socket may cancel.
func (o *Orchestrator) CancelTest(queueID, socketID string) (string, error) {
	o.mu.Lock()
	it, ok := o.items[queueID]
	if !ok {
		for _, t := range o.terminal {
			if t.QueueID == queueID {
				o.mu.Unlock()
				return "already " + string(t.State), nil
			}
		}
		o.mu.Unlock()
		return "", dferrors.Wrapf(dferrors.ErrNotFound, "queue item %s", queueID)
	}
	if it.SocketID != "" && it.SocketID != socketID {
		o.mu.Unlock()
		return "", dferrors.Wrapf(dferrors.ErrOwnerMismatch, "queue item %s", queueID)
	}

	switch it.State {
	case models.QueueStateQueued:
		for _, deviceID := range it.DeviceIDs {
			o.removeFromQueueLocked(deviceID, queueID)
		}
		it.State = models.QueueStateCancelled
		if parentID := it.splitParent; parentID != "" && o.splitOpen[parentID] > 0 {
			// A cancelled split half settles its side of the merge.
			o.splitOpen[parentID]--
			if o.splitOpen[parentID] == 0 {
				delete(o.splits, parentID)
				delete(o.splitOpen, parentID)
			}
		}
		o.retireLocked(it)
		o.assignLocked()
		depth := o.queuedCountLocked()
		o.mu.Unlock()

		metrics.QueueCancelledTotal.Inc()
		metrics.QueueDepth.Set(float64(depth))
		o.emit(events.QueueCancelResponse, map[string]any{
			"queueId": queueID,
			"success": true,
		})
		o.logger.Info("queued submission cancelled", "queue_id", queueID)
		return "cancelled", nil

	case models.QueueStateRunning, models.QueueStateSplit:
		it.cancelRequested = true
		o.mu.Unlock()

		o.exec.Stop(queueID)
		metrics.QueueCancelledTotal.Inc()
		o.emit(events.QueueCancelResponse, map[string]any{
			"queueId": queueID,
			"success": true,
			"message": "stopping",
		})
		o.logger.Info("running submission stopping", "queue_id", queueID)
		return "stopping", nil

	default:
		state := it.State
		o.mu.Unlock()
		return "already " + string(state), nil
	}
}

// HandleSocketDisconnect cancels the socket's queued items. Running
// items are left to finish.
func (o *Orchestrator) HandleSocketDisconnect(socketID string) {
	o.mu.Lock()
	var queued []string
	for queueID := range o.userIndex[socketID] {
		if it, ok := o.items[queueID]; ok && it.State == models.QueueStateQueued {
			queued = append(queued, queueID)
		}
	}
	o.mu.Unlock()

	for _, queueID := range queued {
		if _, err := o.CancelTest(queueID, socketID); err != nil {
			o.logger.Warn("failed to cancel on disconnect",
				"queue_id", queueID, "socket_id", socketID, "error", err)
		}
	}
}

func (o *Orchestrator) removeFromQueueLocked(deviceID, queueID string) {
	q := o.perDevice[deviceID]
	for i, id := range q {
		if id == queueID {
			o.perDevice[deviceID] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// positionLocked is the item's worst queue position across its devices,
// 1-based.
func (o *Orchestrator) positionLocked(it *item) int {
	pos := 0
	for _, deviceID := range it.DeviceIDs {
		for i, id := range o.perDevice[deviceID] {
			if id == it.QueueID && i+1 > pos {
				pos = i + 1
			}
		}
	}
	return pos
}

// estimatedWaitLocked sums average historical durations ahead of the
// item on its most contended device. Milliseconds.
func (o *Orchestrator) estimatedWaitLocked(it *item) int64 {
	if o.completedCount == 0 {
		return 0
	}
	avg := o.totalDuration / time.Duration(o.completedCount)

	ahead := 0
	for _, deviceID := range it.DeviceIDs {
		n := 0
		if _, taken := o.busy[deviceID]; taken {
			n++
		}
		for _, id := range o.perDevice[deviceID] {
			if id == it.QueueID {
				break
			}
			n++
		}
		if n > ahead {
			ahead = n
		}
	}
	return (avg * time.Duration(ahead)).Milliseconds()
}

func (o *Orchestrator) queuedCountLocked() int {
	n := 0
	for _, it := range o.items {
		if it.State == models.QueueStateQueued {
			n++
		}
	}
	return n
}

// DeviceStatus is one device's slice of the queue snapshot.
type DeviceStatus struct {
	DeviceID       string `json:"deviceId"`
	Busy           bool   `json:"busy"`
	CurrentQueueID string `json:"currentQueueId,omitempty"`
	QueueLength    int    `json:"queueLength"`
}

// StatusSnapshot is the introspection view of the whole queue.
type StatusSnapshot struct {
	Queue          []models.QueueItem `json:"queue"`
	DeviceStatuses []DeviceStatus     `json:"deviceStatuses"`
}

// Status returns the queue snapshot, optionally filtered to one user.
func (o *Orchestrator) Status(userName string) StatusSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := StatusSnapshot{Queue: []models.QueueItem{}, DeviceStatuses: []DeviceStatus{}}
	for _, it := range o.items {
		if userName != "" && it.UserName != userName {
			continue
		}
		snap.Queue = append(snap.Queue, it.QueueItem)
	}
	for _, t := range o.terminal {
		if userName != "" && t.UserName != userName {
			continue
		}
		snap.Queue = append(snap.Queue, t)
	}
	sort.Slice(snap.Queue, func(i, j int) bool {
		return snap.Queue[i].SubmittedAt.Before(snap.Queue[j].SubmittedAt)
	})

	seen := make(map[string]bool)
	for deviceID := range o.perDevice {
		seen[deviceID] = true
	}
	for deviceID := range o.busy {
		seen[deviceID] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ds := DeviceStatus{
			DeviceID:    id,
			QueueLength: len(o.perDevice[id]),
		}
		if q, taken := o.busy[id]; taken {
			ds.Busy = true
			ds.CurrentQueueID = q
		}
		snap.DeviceStatuses = append(snap.DeviceStatuses, ds)
	}
	return snap
}

// Item returns a copy of one queue item, active or terminal.
func (o *Orchestrator) Item(queueID string) (models.QueueItem, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if it, ok := o.items[queueID]; ok {
		return it.QueueItem, true
	}
	for _, t := range o.terminal {
		if t.QueueID == queueID {
			return t, true
		}
	}
	return models.QueueItem{}, false
}

// NotifyStatus pushes the queue snapshot to one subscriber.
func (o *Orchestrator) NotifyStatus(socketID, userName string) {
	if o.sendTo == nil {
		return
	}
	o.sendTo(socketID, events.QueueStatusResponse, o.Status(userName))
}

// Wait blocks until every dispatched run has settled. Tests and
// shutdown only.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}
