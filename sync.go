package presence

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// Sync Results
// ============================================================================

// Outcome classifies what happened to a single queued action during a sync
// cycle.
type Outcome string

const (
	// OutcomeDelivered: replay succeeded, action dequeued.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeRejected: server answered 4xx, action dropped (non-retryable).
	OutcomeRejected Outcome = "rejected"
	// OutcomeDeferred: transient failure, action kept for the next cycle.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeDropped: retry ceiling reached, action permanently dropped.
	OutcomeDropped Outcome = "dropped"
	// OutcomeMalformed: action can never replay (missing required data).
	OutcomeMalformed Outcome = "malformed"
)

// ActionResult is the per-action detail of one sync cycle.
type ActionResult struct {
	ID      string
	Outcome Outcome
	Err     error
}

// SyncResult aggregates one sync cycle. Successful + Failed is the number of
// actions attempted; Items carries the per-action outcomes for callers that
// want more than the coarse counts.
type SyncResult struct {
	Successful int
	Failed     int
	Items      []ActionResult
}

// ============================================================================
// SyncManager
// ============================================================================

const (
	// DefaultRetryCeiling is the number of transient failures after which a
	// queued action is permanently dropped.
	DefaultRetryCeiling = 5

	// addCheckinSyncDelay is the settle delay before the near-immediate sync
	// attempt that follows an online enqueue.
	addCheckinSyncDelay = 250 * time.Millisecond
)

// SyncOptions configures a SyncManager.
type SyncOptions struct {
	// Probe reports connectivity. Nil means "always online".
	Probe ConnectivityProbe
	// RetryCeiling overrides DefaultRetryCeiling when positive.
	RetryCeiling int
	// Logger receives drop/retry events. Nil discards.
	Logger *slog.Logger
}

// SyncManager replays the durable queue against the server with bounded
// retries. At most one drain runs at a time; overlapping Sync calls return
// an empty result immediately.
type SyncManager struct {
	store  *Store
	client *Client
	probe  ConnectivityProbe
	log    *slog.Logger

	retryCeiling int
	syncing      atomic.Bool

	mu      sync.Mutex
	stopCh  chan struct{}
	kickCh  chan struct{}
	started bool
}

// NewSyncManager creates a sync manager over the given store and client.
// opts may be nil.
func NewSyncManager(store *Store, client *Client, opts *SyncOptions) *SyncManager {
	m := &SyncManager{
		store:        store,
		client:       client,
		retryCeiling: DefaultRetryCeiling,
		log:          discardLogger(),
		kickCh:       make(chan struct{}, 1),
	}
	if opts != nil {
		m.probe = opts.Probe
		if opts.RetryCeiling > 0 {
			m.retryCeiling = opts.RetryCeiling
		}
		if opts.Logger != nil {
			m.log = opts.Logger
		}
	}
	return m
}

// QueueSize returns the number of actions awaiting replay.
func (m *SyncManager) QueueSize() (int, error) {
	return m.store.Size()
}

// Sync drains the queue once. If a drain is already running, or there is no
// connectivity, it returns a zero result immediately. Individual action
// failures never escape; only the aggregate result is observable.
func (m *SyncManager) Sync(ctx context.Context) SyncResult {
	if !m.syncing.CompareAndSwap(false, true) {
		return SyncResult{}
	}
	defer m.syncing.Store(false)

	if !online(m.probe) {
		return SyncResult{}
	}

	actions, err := m.store.GetAll()
	if err != nil {
		m.log.Warn("sync: reading queue failed", slog.String("error", err.Error()))
		return SyncResult{}
	}

	var result SyncResult
	for _, action := range actions {
		item := m.replay(ctx, action)
		result.Items = append(result.Items, item)
		if item.Outcome == OutcomeDelivered {
			result.Successful++
		} else {
			result.Failed++
		}
	}
	return result
}

// replay attempts a single action and classifies the outcome. The action may
// have been dequeued concurrently; every store mutation here tolerates that.
func (m *SyncManager) replay(ctx context.Context, action *QueuedAction) ActionResult {
	if !action.Replayable() {
		// Can never succeed. Drop immediately.
		if err := m.store.Dequeue(action.ID); err != nil {
			m.log.Warn("sync: dropping malformed action failed",
				slog.String("id", action.ID), slog.String("error", err.Error()))
		}
		m.log.Info("sync: dropped malformed action", slog.String("id", action.ID))
		return ActionResult{ID: action.ID, Outcome: OutcomeMalformed}
	}

	resp, err := m.client.SubmitCheckin(ctx, &action.Payload, action.Method)

	switch {
	case err == nil && resp.Status < 400:
		if derr := m.store.Dequeue(action.ID); derr != nil {
			m.log.Warn("sync: dequeue after success failed",
				slog.String("id", action.ID), slog.String("error", derr.Error()))
		}
		return ActionResult{ID: action.ID, Outcome: OutcomeDelivered}

	case err == nil && resp.Status >= 400 && resp.Status < 500:
		// 4xx: retrying cannot change the outcome.
		if derr := m.store.Dequeue(action.ID); derr != nil {
			m.log.Warn("sync: dequeue after rejection failed",
				slog.String("id", action.ID), slog.String("error", derr.Error()))
		}
		var cause error
		if resp.Error != nil {
			cause = resp.Error
		}
		m.log.Info("sync: action rejected by server",
			slog.String("id", action.ID), slog.Int("status", resp.Status))
		return ActionResult{ID: action.ID, Outcome: OutcomeRejected, Err: cause}

	default:
		// 5xx or transport failure: transient.
		count, ierr := m.store.IncrementRetry(action.ID)
		if ierr != nil {
			m.log.Warn("sync: increment retry failed",
				slog.String("id", action.ID), slog.String("error", ierr.Error()))
			return ActionResult{ID: action.ID, Outcome: OutcomeDeferred, Err: err}
		}
		if count >= m.retryCeiling {
			if derr := m.store.Dequeue(action.ID); derr != nil {
				m.log.Warn("sync: dropping exhausted action failed",
					slog.String("id", action.ID), slog.String("error", derr.Error()))
			}
			m.log.Warn("sync: action permanently dropped after retries",
				slog.String("id", action.ID), slog.Int("retries", count))
			return ActionResult{ID: action.ID, Outcome: OutcomeDropped, Err: err}
		}
		return ActionResult{ID: action.ID, Outcome: OutcomeDeferred, Err: err}
	}
}

// AddCheckin enqueues a check-in and, when online, schedules a
// near-immediate sync attempt rather than waiting for the next periodic
// tick. An enqueue error means no guarantee of delivery and is returned.
func (m *SyncManager) AddCheckin(ctx context.Context, payload *CheckinPayload, method string) (*QueuedAction, error) {
	action := &QueuedAction{Payload: *payload, Method: method}
	if err := m.store.Enqueue(action); err != nil {
		return nil, err
	}
	if online(m.probe) {
		time.AfterFunc(addCheckinSyncDelay, func() {
			m.Sync(context.WithoutCancel(ctx))
		})
	}
	return action, nil
}

// StartSync performs one immediate sync, then keeps syncing on the given
// interval until StopSync. OnlineNotify triggers an extra immediate pass.
// Calling StartSync while already started is a no-op.
func (m *SyncManager) StartSync(interval time.Duration) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	go func() {
		m.Sync(context.Background())
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				m.Sync(context.Background())
			case <-m.kickCh:
				m.Sync(context.Background())
			}
		}
	}()
}

// StopSync cancels the periodic timer. The queue itself is untouched.
func (m *SyncManager) StopSync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	close(m.stopCh)
}

// OnlineNotify signals that connectivity was restored, triggering an
// immediate sync pass. Typically wired to Channel.OnConnected or the
// platform's network-change notification.
func (m *SyncManager) OnlineNotify() {
	select {
	case m.kickCh <- struct{}{}:
	default: // a kick is already pending
	}
}
