package scheduler

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"

	"garland/internal/engine"
)

// Scheduler fires the two daily batch jobs: the evening reveal at the
// configured reveal time and the deadline sweep shortly after the
// deadline. Both jobs derive their action from persisted state and
// re-check their own preconditions, so a firing missed across a
// restart, or a duplicate firing, self-corrects on the next run.
type Scheduler struct {
	Engine *engine.Engine
	Logger *log.Logger
	cron   *cron.Cron
}

func New(eng *engine.Engine, logger *log.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = log.Default()
	}
	loc, err := eng.Config.Location()
	if err != nil {
		return nil, err
	}
	s := &Scheduler{Engine: eng, Logger: logger}
	// overlapping runs of the same job are skipped, never stacked
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger))),
	)

	revealSpec, err := CronSpec(eng.Config.Calendar.RevealTime)
	if err != nil {
		return nil, fmt.Errorf("reveal_time: %w", err)
	}
	if _, err := s.cron.AddFunc(revealSpec, s.runAdvance); err != nil {
		return nil, err
	}
	sweepSpec, err := CronSpec(eng.Config.Calendar.SweepTime)
	if err != nil {
		return nil, fmt.Errorf("sweep_time: %w", err)
	}
	if _, err := s.cron.AddFunc(sweepSpec, s.runSweep); err != nil {
		return nil, err
	}
	return s, nil
}

// CronSpec converts an "HH:MM" clock time into a daily cron expression.
func CronSpec(clock string) (string, error) {
	parts := strings.SplitN(clock, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("clock time %q: want HH:MM", clock)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return "", fmt.Errorf("clock time %q: bad hour", clock)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return "", fmt.Errorf("clock time %q: bad minute", clock)
	}
	return fmt.Sprintf("%d %d * * *", mm, hh), nil
}

func (s *Scheduler) runAdvance() {
	report, err := s.Engine.AdvanceDay(context.Background())
	if err != nil {
		s.Logger.Printf("advance day: %v", err)
		return
	}
	if report.Ran {
		s.Logger.Printf("advance day %d: revealed %d, dispatch failures %d, pointer now %d",
			report.DayIndex, report.Revealed, report.DispatchFailures, report.NewDayIndex)
	}
}

func (s *Scheduler) runSweep() {
	n, err := s.Engine.ExpirePending(context.Background())
	if err != nil {
		s.Logger.Printf("expire pending: %v", err)
		return
	}
	if n > 0 {
		s.Logger.Printf("expire pending: %d slots expired", n)
	}
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the timers; the returned context is done once any running
// job finishes.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }
