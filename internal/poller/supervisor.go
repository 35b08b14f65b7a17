// Package poller drives pending verifications to a terminal state. One
// goroutine per open verification polls the provider for a delivered code;
// a sweep loop claims unattached rows and reconciles stale ones, so every
// pending verification terminates within its bounded window even across
// process restarts.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/veriline/veriline/internal/clock"
	obsmetrics "github.com/veriline/veriline/internal/observability/metrics"
	"github.com/veriline/veriline/internal/retry"

	notificationdomain "github.com/veriline/veriline/internal/notification/domain"
	providerdomain "github.com/veriline/veriline/internal/provider/domain"
	verificationdomain "github.com/veriline/veriline/internal/verification/domain"
)

// ErrInvalidConfig marks a supervisor wired without one of its required
// collaborators.
var ErrInvalidConfig = errors.New("poller: invalid configuration")

// task is one running poll loop. cancel stops it cooperatively; done closes
// when the goroutine has fully exited and deregistered.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Params struct {
	fx.In

	Log             *zap.Logger
	Clock           clock.Clock
	Gateway         providerdomain.Gateway
	VerificationSvc verificationdomain.Service
	Notifier        notificationdomain.Notifier
	Config          Config `optional:"true"`
}

// Supervisor owns the registry of poll tasks. The registry invariant is
// at-most-one task per verification id; Ensure is the only spawn path and
// holds the lock across the check-and-insert.
type Supervisor struct {
	cfg      Config
	log      *zap.Logger
	clock    clock.Clock
	gateway  providerdomain.Gateway
	verifs   verificationdomain.Service
	notifier notificationdomain.Notifier
	backoff  retry.Policy

	mu    sync.Mutex
	tasks map[snowflake.ID]*task

	// base context for task goroutines, set by Run.
	runCtx context.Context
}

func New(p Params) (*Supervisor, error) {
	if p.Log == nil || p.Clock == nil || p.Gateway == nil || p.VerificationSvc == nil || p.Notifier == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Supervisor{
		cfg:      cfg,
		log:      p.Log.Named("poller").With(zap.String("component", "poller")),
		clock:    p.Clock,
		gateway:  p.Gateway,
		verifs:   p.VerificationSvc,
		notifier: p.Notifier,
		backoff: retry.Policy{
			MaxAttempts:       cfg.MaxProviderErrors,
			InitialBackoff:    cfg.PollInterval,
			MaxBackoff:        4 * cfg.PollInterval,
			BackoffMultiplier: 2,
		},
		tasks: make(map[snowflake.ID]*task),
	}, nil
}

// Run executes the sweep loop until ctx is cancelled, then waits for every
// task to exit. The first sweep runs immediately so a fresh process
// re-attaches to surviving pending rows without waiting an interval.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims unattached pending verifications and fails stale ones. It
// is the crash-recovery path as much as the steady-state one: a verification
// created by a process that died is picked up here on the next sweep.
func (s *Supervisor) RunOnce(ctx context.Context) error {
	pending, err := s.verifs.ListPending(ctx, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	for i := range pending {
		s.Ensure(&pending[i])
	}

	// Anything pending past the ceiling belongs to no live task worth
	// keeping; fail it so the refund fires.
	cutoff := s.clock.Now().Add(-s.cfg.MaxDuration)
	stale, err := s.verifs.ListStalePending(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale pending: %w", err)
	}
	for i := range stale {
		v := &stale[i]
		s.stop(v.ID)
		s.fail(ctx, v, "timed out waiting for verification code")
	}
	return nil
}

// Ensure starts a poll task for v unless one is already registered. It
// reports whether a new task was spawned.
func (s *Supervisor) Ensure(v *verificationdomain.Verification) bool {
	s.mu.Lock()
	if _, ok := s.tasks[v.ID]; ok {
		s.mu.Unlock()
		return false
	}
	base := s.runCtx
	if base == nil {
		base = context.Background()
	}
	taskCtx, cancel := context.WithCancel(base)
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.tasks[v.ID] = t
	obsmetrics.Poller().SetActivePollers(len(s.tasks))
	s.mu.Unlock()

	go s.runTask(taskCtx, t, v)
	return true
}

// Cancel stops the poll task for id, transitions the verification to
// CANCELLED with its refund, and releases the provider activation. The
// provider release is best-effort; the user-facing outcome never depends
// on it.
func (s *Supervisor) Cancel(ctx context.Context, id snowflake.ID) error {
	v, err := s.verifs.Get(ctx, id)
	if err != nil {
		return err
	}

	s.stop(id)

	if err := s.verifs.Cancel(ctx, id); err != nil {
		return err
	}
	s.releaseActivation(ctx, v)
	s.notifier.Notify(ctx, v.UserID, notificationdomain.TypeVerificationCancelled,
		"Verification cancelled",
		fmt.Sprintf("Verification for %s was cancelled and the charge refunded.", v.Service),
		notificationMeta(v))
	return nil
}

// ActiveCount reports the number of registered poll tasks.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// stop cancels the task for id, if any, and waits for it to exit.
func (s *Supervisor) stop(id snowflake.ID) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	<-t.done
}

func (s *Supervisor) deregister(id snowflake.ID) {
	s.mu.Lock()
	delete(s.tasks, id)
	obsmetrics.Poller().SetActivePollers(len(s.tasks))
	s.mu.Unlock()
}

// runTask polls the provider until a code arrives, the error budget is
// exhausted, the lifetime ceiling passes, or the task context is cancelled.
// The deadline is anchored to the verification's creation time so a task
// re-attached after a restart does not get a fresh window.
func (s *Supervisor) runTask(ctx context.Context, t *task, v *verificationdomain.Verification) {
	defer close(t.done)
	defer s.deregister(v.ID)

	log := s.log.With(
		zap.Int64("verification_id", int64(v.ID)),
		zap.String("activation_id", v.ActivationID),
	)
	log.Info("poll task started")

	deadline := v.CreatedAt.Add(s.cfg.MaxDuration)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	consecutiveErrs := 0
	for {
		if !s.clock.Now().Before(deadline) {
			s.fail(ctx, v, "timed out waiting for verification code")
			return
		}

		code, err := s.pollOnce(ctx, v.ActivationID)
		switch {
		case err == nil:
			s.complete(ctx, v, code)
			return
		case ctx.Err() != nil:
			// Cancellation, not a provider verdict. Whoever cancelled the
			// task owns the state transition.
			log.Debug("poll task stopped")
			return
		case errors.Is(err, providerdomain.ErrNoCode):
			consecutiveErrs = 0
		case providerdomain.IsRetryable(err):
			consecutiveErrs++
			log.Warn("provider poll failed",
				zap.Int("consecutive_errors", consecutiveErrs), zap.Error(err))
			if consecutiveErrs >= s.cfg.MaxProviderErrors {
				s.fail(ctx, v, "provider unreachable")
				return
			}
			// Back off harder than the steady poll cadence while the
			// provider is struggling.
			if !s.sleep(ctx, s.backoff.Backoff(consecutiveErrs+1)) {
				log.Debug("poll task stopped")
				return
			}
			continue
		default:
			// Rejected outright: the activation is gone on the provider side
			// and retrying cannot change that.
			s.fail(ctx, v, "provider rejected activation")
			return
		}

		select {
		case <-ctx.Done():
			log.Debug("poll task stopped")
			return
		case <-ticker.C:
		}
	}
}

// pollOnce performs one bounded GetCode call and records its outcome.
func (s *Supervisor) pollOnce(ctx context.Context, activationID string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	start := s.clock.Now()
	code, err := s.gateway.GetCode(callCtx, activationID)
	elapsed := s.clock.Now().Sub(start)

	switch {
	case err == nil:
		obsmetrics.Poller().ObservePoll(obsmetrics.PollOutcomeCode, elapsed)
	case errors.Is(err, providerdomain.ErrNoCode):
		obsmetrics.Poller().ObservePoll(obsmetrics.PollOutcomeNoCode, elapsed)
	default:
		obsmetrics.Poller().ObservePoll(obsmetrics.PollOutcomeError, elapsed)
		obsmetrics.Poller().IncProviderError(string(providerdomain.KindOf(err)))
	}
	return code, err
}

func (s *Supervisor) complete(ctx context.Context, v *verificationdomain.Verification, code string) {
	ctx = detach(ctx)
	err := s.verifs.Complete(ctx, v.ID, code)
	switch {
	case err == nil:
		s.notifier.Notify(ctx, v.UserID, notificationdomain.TypeVerificationCompleted,
			"Verification code received",
			fmt.Sprintf("Your code for %s has arrived.", v.Service),
			notificationMeta(v))
	case errors.Is(err, verificationdomain.ErrAlreadyTerminal):
		// A late code after cancellation is discarded, not an error.
		s.log.Debug("late code discarded", zap.Int64("verification_id", int64(v.ID)))
	default:
		s.log.Error("complete failed",
			zap.Int64("verification_id", int64(v.ID)), zap.Error(err))
	}
}

func (s *Supervisor) fail(ctx context.Context, v *verificationdomain.Verification, reason string) {
	ctx = detach(ctx)
	err := s.verifs.Fail(ctx, v.ID, reason)
	switch {
	case err == nil:
		s.releaseActivation(ctx, v)
		meta := notificationMeta(v)
		meta["reason"] = reason
		s.notifier.Notify(ctx, v.UserID, notificationdomain.TypeVerificationFailed,
			"Verification failed",
			fmt.Sprintf("Verification for %s failed (%s). The charge was refunded.", v.Service, reason),
			meta)
	case errors.Is(err, verificationdomain.ErrAlreadyTerminal):
	default:
		s.log.Error("fail transition failed",
			zap.Int64("verification_id", int64(v.ID)), zap.Error(err))
	}
}

// releaseActivation tells the provider to drop the lease. Failures are
// logged and swallowed; the local state transition already happened.
func (s *Supervisor) releaseActivation(ctx context.Context, v *verificationdomain.Verification) {
	callCtx, cancel := context.WithTimeout(detach(ctx), s.cfg.CallTimeout)
	defer cancel()
	if _, err := s.gateway.Cancel(callCtx, v.ActivationID); err != nil {
		s.log.Warn("provider release failed",
			zap.String("activation_id", v.ActivationID), zap.Error(err))
	}
}

// sleep waits d or until ctx is cancelled, reporting whether the full wait
// elapsed.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// wait blocks until every registered task has exited.
func (s *Supervisor) wait() {
	s.mu.Lock()
	done := make([]chan struct{}, 0, len(s.tasks))
	for _, t := range s.tasks {
		done = append(done, t.done)
	}
	s.mu.Unlock()
	for _, ch := range done {
		<-ch
	}
}

// detach strips cancellation so terminal bookkeeping survives the task's
// own shutdown, while keeping trace values.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func notificationMeta(v *verificationdomain.Verification) datatypes.JSONMap {
	return datatypes.JSONMap{
		"verification_id": v.ID.String(),
		"activation_id":   v.ActivationID,
		"service":         v.Service,
	}
}
