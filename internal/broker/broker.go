package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/frame-progress-broker/internal/clock/system"
	"github.com/JakeFAU/frame-progress-broker/internal/progress"
	"github.com/JakeFAU/frame-progress-broker/internal/store"
)

// Clock supplies the time used for record timestamps and liveness.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// TempTracker receives temporary artifact paths named by custom events.
type TempTracker interface {
	Track(paths ...string) int
}

// Config controls stream pacing and lifecycle timing. Zero values fall back
// to the defaults below; a negative ReplayDelay or CloseFlushDelay disables
// that pause.
type Config struct {
	// PollInterval bounds how long a tailing subscriber waits between scans.
	PollInterval time.Duration
	// ReplayDelay paces backlog emissions.
	ReplayDelay time.Duration
	// CloseFlushDelay is the pause after a close frame sent during replay.
	CloseFlushDelay time.Duration
	// HeartbeatInterval is the idle time before a heartbeat frame.
	HeartbeatInterval time.Duration
	// ClientStaleAfter is how long a subscriber may go untouched before the
	// janitor evicts it.
	ClientStaleAfter time.Duration
	// PurgeDelay is how long a closed task stays readable.
	PurgeDelay time.Duration
	// StoreErrorBackoff is the pause after a failed tail read.
	StoreErrorBackoff time.Duration
	// MaxTailErrors ends a stream with an error close after this many
	// consecutive failed tail reads.
	MaxTailErrors int
}

// Default timings.
const (
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultReplayDelay       = 100 * time.Millisecond
	DefaultCloseFlushDelay   = 500 * time.Millisecond
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultClientStaleAfter  = 60 * time.Second
	DefaultPurgeDelay        = 5 * time.Second
	DefaultStoreErrorBackoff = 2 * time.Second
	DefaultMaxTailErrors     = 5
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReplayDelay < 0 {
		c.ReplayDelay = 0
	} else if c.ReplayDelay == 0 {
		c.ReplayDelay = DefaultReplayDelay
	}
	if c.CloseFlushDelay < 0 {
		c.CloseFlushDelay = 0
	} else if c.CloseFlushDelay == 0 {
		c.CloseFlushDelay = DefaultCloseFlushDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ClientStaleAfter <= 0 {
		c.ClientStaleAfter = DefaultClientStaleAfter
	}
	if c.PurgeDelay <= 0 {
		c.PurgeDelay = DefaultPurgeDelay
	}
	if c.StoreErrorBackoff <= 0 {
		c.StoreErrorBackoff = DefaultStoreErrorBackoff
	}
	if c.MaxTailErrors <= 0 {
		c.MaxTailErrors = DefaultMaxTailErrors
	}
	return c
}

// ProgressUpdate is the caller-supplied part of a progress record; the broker
// stamps the timestamp.
type ProgressUpdate struct {
	Progress     float64
	Message      string
	Stage        string
	CurrentFrame *int
	TotalFrames  *int
	IsDone       bool
}

// Broker is the task lifecycle controller and stream publisher.
type Broker struct {
	store     store.TaskStore
	ids       IDGenerator
	clock     Clock
	events    progress.Emitter
	tracker   TempTracker
	cfg       Config
	logger    *zap.Logger
	purges    *scheduler
	purgeWait time.Duration
}

// New constructs a Broker. emitter and tracker may be nil.
func New(
	st store.TaskStore,
	ids IDGenerator,
	clock Clock,
	emitter progress.Emitter,
	tracker TempTracker,
	cfg Config,
	logger *zap.Logger,
) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	return &Broker{
		store:     st,
		ids:       ids,
		clock:     clock,
		events:    emitter,
		tracker:   tracker,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		purges:    newScheduler(),
		purgeWait: 10 * time.Second,
	}
}

// CreateTask allocates a fresh task with an empty log and client set.
func (b *Broker) CreateTask(ctx context.Context) (string, error) {
	taskID, err := b.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	if err := b.store.CreateTask(ctx, taskID); err != nil {
		return "", fmt.Errorf("create task %s: %w", taskID, err)
	}
	b.emit(progress.Event{TaskID: taskID, Stage: progress.StageTaskCreated})
	b.logger.Info("task created", zap.String("task_id", taskID))
	return taskID, nil
}

// AppendProgress appends a progress record. A done update seals the log and
// schedules the deferred purge. Unknown and already-closed tasks are logged
// and ignored.
func (b *Broker) AppendProgress(ctx context.Context, taskID string, u ProgressUpdate) error {
	rec := progress.ProgressRecord{
		Progress:     u.Progress,
		Message:      u.Message,
		Stage:        u.Stage,
		CurrentFrame: u.CurrentFrame,
		TotalFrames:  u.TotalFrames,
		Timestamp:    system.Unix(b.clock.Now()),
		IsDone:       u.IsDone,
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal progress record: %w", err)
	}
	ok, err := b.append(ctx, taskID, data, u.IsDone)
	if err != nil || !ok {
		return err
	}
	b.emit(progress.Event{TaskID: taskID, Stage: progress.StageRecordAppended, Kind: progress.KindProgress})
	if u.IsDone {
		b.logger.Info("task completed",
			zap.String("task_id", taskID),
			zap.Float64("progress", rec.Progress),
			zap.String("stage", rec.Stage),
		)
		b.finish(taskID, progress.CloseNormal, rec.Progress)
	}
	return nil
}

// AppendEvent appends a custom event record. tempPaths are handed to the temp
// tracker for reclamation; they are never streamed.
func (b *Broker) AppendEvent(ctx context.Context, taskID, eventType string, payload any, tempPaths ...string) error {
	var data json.RawMessage
	switch v := payload.(type) {
	case json.RawMessage:
		data = v
	case nil:
		data = json.RawMessage("null")
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		data = raw
	}
	rec := progress.EventRecord{
		EventType: eventType,
		Data:      data,
		Timestamp: system.Unix(b.clock.Now()),
		TempPaths: tempPaths,
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if b.tracker != nil && len(tempPaths) > 0 {
		if n := b.tracker.Track(tempPaths...); n < len(tempPaths) {
			b.logger.Warn("temp paths rejected",
				zap.String("task_id", taskID),
				zap.Int("accepted", n),
				zap.Int("offered", len(tempPaths)),
			)
		}
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event record: %w", err)
	}
	ok, err := b.append(ctx, taskID, encoded, false)
	if err != nil || !ok {
		return err
	}
	b.emit(progress.Event{
		TaskID:    taskID,
		Stage:     progress.StageRecordAppended,
		Kind:      progress.KindEvent,
		EventType: rec.EventType,
	})
	return nil
}

// CloseTask seals the task with a done marker unless it is already sealed,
// then schedules the deferred purge. Calling it again is a no-op.
func (b *Broker) CloseTask(ctx context.Context, taskID string, reason progress.CloseReason) error {
	if reason == "" {
		reason = progress.CloseNormal
	}
	log := b.logger.With(zap.String("task_id", taskID), zap.String("reason", string(reason)))
	state, err := b.store.Stat(ctx, taskID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn("close requested for unknown task")
		return nil
	case err != nil:
		return fmt.Errorf("stat task %s: %w", taskID, err)
	case state.Sealed:
		log.Debug("task already closed")
		return nil
	}

	marker, err := b.doneMarker(ctx, taskID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("marshal done marker: %w", err)
	}
	ok, err := b.append(ctx, taskID, data, true)
	if err != nil || !ok {
		return err
	}
	b.emit(progress.Event{TaskID: taskID, Stage: progress.StageRecordAppended, Kind: progress.KindProgress})
	if reason.Abnormal() {
		log.Warn("task closed abnormally", zap.Float64("progress", marker.Progress))
	} else {
		log.Info("task closed", zap.Float64("progress", marker.Progress))
	}
	b.finish(taskID, reason, marker.Progress)
	return nil
}

// Purge removes the task immediately and cancels any pending deferred purge.
func (b *Broker) Purge(ctx context.Context, taskID string) error {
	b.purges.Cancel(taskID)
	if err := b.store.DeleteTask(ctx, taskID); err != nil {
		return fmt.Errorf("purge task %s: %w", taskID, err)
	}
	b.emit(progress.Event{TaskID: taskID, Stage: progress.StageTaskPurged})
	b.logger.Debug("task purged", zap.String("task_id", taskID))
	return nil
}

// Status returns the store summary for taskID.
func (b *Broker) Status(ctx context.Context, taskID string) (store.TaskState, error) {
	state, err := b.store.Stat(ctx, taskID)
	if err != nil {
		return store.TaskState{}, fmt.Errorf("stat task %s: %w", taskID, err)
	}
	return state, nil
}

// Subscribers reports how many streams are attached to taskID.
func (b *Broker) Subscribers(ctx context.Context, taskID string) (int, error) {
	n, err := b.store.CountClients(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("count subscribers for %s: %w", taskID, err)
	}
	return n, nil
}

// PendingPurges returns the number of closed tasks waiting to be purged.
func (b *Broker) PendingPurges() int {
	return b.purges.Pending()
}

// Ping reports whether the backing store is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	return nil
}

// Shutdown cancels pending purges and waits for running ones.
func (b *Broker) Shutdown() {
	b.purges.Stop()
}

// append writes data and reports false when the task is unknown or sealed.
func (b *Broker) append(ctx context.Context, taskID string, data []byte, terminal bool) (bool, error) {
	_, err := b.store.Append(ctx, taskID, data, terminal)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		b.logger.Warn("append to unknown task ignored", zap.String("task_id", taskID))
		return false, nil
	case errors.Is(err, store.ErrSealed):
		b.logger.Warn("append to closed task ignored", zap.String("task_id", taskID))
		return false, nil
	default:
		return false, fmt.Errorf("append to task %s: %w", taskID, err)
	}
}

// doneMarker copies the newest progress record with is_done set, or builds a
// completed record when the log holds none.
func (b *Broker) doneMarker(ctx context.Context, taskID string) (progress.ProgressRecord, error) {
	marker := progress.ProgressRecord{Progress: 100, Message: "task completed", Stage: "complete"}
	entries, err := b.store.Entries(ctx, taskID, 0)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return marker, fmt.Errorf("read task %s: %w", taskID, err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		rec, err := progress.DecodeRecord(entries[i].Data)
		if err != nil || rec.Progress == nil {
			continue
		}
		marker = *rec.Progress
		break
	}
	marker.IsDone = true
	marker.Timestamp = system.Unix(b.clock.Now())
	return marker, nil
}

// finish reports the terminal transition and schedules the purge.
func (b *Broker) finish(taskID string, reason progress.CloseReason, pct float64) {
	b.emit(progress.Event{TaskID: taskID, Stage: progress.StageTaskClosed, Reason: reason, Progress: pct})
	scheduled := b.purges.Schedule(taskID, b.cfg.PurgeDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.purgeWait)
		defer cancel()
		if err := b.store.DeleteTask(ctx, taskID); err != nil {
			b.logger.Error("deferred purge failed", zap.String("task_id", taskID), zap.Error(err))
			return
		}
		b.emit(progress.Event{TaskID: taskID, Stage: progress.StageTaskPurged})
		b.logger.Debug("task purged", zap.String("task_id", taskID))
	})
	if !scheduled {
		b.logger.Warn("purge not scheduled; broker shutting down", zap.String("task_id", taskID))
	}
}

func (b *Broker) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = b.clock.Now()
	}
	b.events.Emit(evt)
}
