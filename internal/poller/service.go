package poller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	obsmetrics "github.com/veriline/veriline/internal/observability/metrics"
)

// Service keeps the supervisor alive. A panic or error inside the run loop
// is logged and the supervisor is restarted after an exponential delay;
// the in-flight verifications are re-attached by the next sweep, so a
// restart loses no work.
type Service struct {
	cfg        Config
	log        *zap.Logger
	supervisor *Supervisor
}

func NewService(cfg Config, log *zap.Logger, supervisor *Supervisor) *Service {
	return &Service{
		cfg:        cfg.withDefaults(),
		log:        log.Named("poller.service"),
		supervisor: supervisor,
	}
}

// Run blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	delay := s.cfg.RestartBaseDelay
	for {
		err := s.runGuarded(ctx)
		if ctx.Err() != nil {
			s.log.Info("poller stopped")
			return
		}

		obsmetrics.Poller().IncSupervisorRestart()
		s.log.Error("supervisor exited, restarting",
			zap.Error(err), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("poller stopped")
			return
		case <-timer.C:
		}
		delay *= 2
		if delay > s.cfg.RestartMaxDelay {
			delay = s.cfg.RestartMaxDelay
		}
	}
}

func (s *Service) runGuarded(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("supervisor panic: %v", r)
		}
	}()
	return s.supervisor.Run(ctx)
}
