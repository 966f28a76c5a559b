package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"garland/internal/config"
	"garland/internal/domain"
	"garland/internal/events"
	"garland/internal/notify"
	"garland/internal/store"
)

// dispatchTimeout bounds one outbound notification; a timeout counts as
// a per-participant dispatch failure, not a state-machine failure.
const dispatchTimeout = 30 * time.Second

// Engine owns the assignment draw and the per-day progression state
// machine. It is the sole writer of progress statuses and the calendar
// pointer.
type Engine struct {
	DB       *sql.DB
	Store    store.Store
	Events   events.Writer
	Config   *config.Config
	Notifier notify.Notifier
	Logger   *log.Logger
	Now      func() time.Time
	Rand     *rand.Rand

	// jobs serializes AdvanceDay and ExpirePending; both scan and write
	// multiple rows and must never interleave.
	jobs sync.Mutex
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:       db,
		Store:    store.Store{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Notifier: notify.LogNotifier{},
		Now:      time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) rand() *rand.Rand {
	if e.Rand == nil {
		e.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return e.Rand
}

func (e *Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// Outcome is a typed business result. These are expected outcomes
// reported to the caller, not errors.
type Outcome string

const (
	OutcomeOK                Outcome = "OK"
	OutcomeWelcomeBack       Outcome = "WELCOME_BACK"
	OutcomeInvalidName       Outcome = "INVALID_NAME"
	OutcomeInsufficientTasks Outcome = "INSUFFICIENT_TASKS"
	OutcomeDone              Outcome = "DONE"
	OutcomeAlreadyDone       Outcome = "ALREADY_DONE"
	OutcomeTooLate           Outcome = "TOO_LATE"
	OutcomeNoActiveTask      Outcome = "NO_ACTIVE_TASK"
	OutcomeNotRegistered     Outcome = "NOT_REGISTERED"
)

// ErrNotRegistered is returned by read paths for unknown participants.
var ErrNotRegistered = errors.New("participant not registered")

type RegisterResult struct {
	Outcome     Outcome            `json:"outcome"`
	Participant domain.Participant `json:"participant"`
	// FirstReveal is the date the first task goes out, for the welcome text.
	FirstReveal string `json:"first_reveal,omitempty"`
	RevealTime  string `json:"reveal_time,omitempty"`
}

// Register creates a participant with a fresh random assignment, or
// rebinds the external identity when the display name (or chat) is
// already known. A fresh registration writes exactly one participant,
// one assignment and one progress row, in a single transaction.
func (e *Engine) Register(ctx context.Context, chatID, displayName string) (RegisterResult, error) {
	displayName = strings.TrimSpace(displayName)
	if len(strings.Fields(displayName)) < 2 {
		return RegisterResult{Outcome: OutcomeInvalidName}, nil
	}

	if p, err := e.Store.GetParticipantByName(ctx, displayName); err == nil {
		return e.rebind(ctx, p, chatID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return RegisterResult{}, err
	}
	// A chat that already registered under some name is welcomed back
	// rather than given a second assignment.
	if p, err := e.Store.GetParticipantByChatID(ctx, chatID); err == nil {
		return e.rebind(ctx, p, chatID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return RegisterResult{}, err
	}

	n := e.Config.Days()
	taskIDs, err := e.Store.ListTaskIDs(ctx)
	if err != nil {
		return RegisterResult{}, err
	}
	if len(taskIDs) < n {
		return RegisterResult{Outcome: OutcomeInsufficientTasks}, nil
	}
	drawn := e.draw(taskIDs, n)

	p := domain.Participant{
		ChatID:       chatID,
		DisplayName:  displayName,
		Status:       domain.ParticipantActive,
		RegisteredAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RegisterResult{}, err
	}
	defer tx.Rollback()

	seq, err := e.Store.InsertParticipant(ctx, tx, p)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("insert participant: %w", err)
	}
	if err := e.Store.InsertAssignment(ctx, tx, seq, drawn); err != nil {
		return RegisterResult{}, fmt.Errorf("insert assignment: %w", err)
	}
	if err := e.Store.InsertProgress(ctx, tx, seq, n); err != nil {
		return RegisterResult{}, fmt.Errorf("insert progress: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "participant.registered", seq, -1, events.EventPayload{"display_name": displayName}); err != nil {
		return RegisterResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return RegisterResult{}, err
	}
	p.Seq = seq
	return RegisterResult{
		Outcome:     OutcomeOK,
		Participant: p,
		FirstReveal: e.revealDateString(0),
		RevealTime:  e.Config.Calendar.RevealTime,
	}, nil
}

func (e *Engine) rebind(ctx context.Context, p domain.Participant, chatID string) (RegisterResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RegisterResult{}, err
	}
	defer tx.Rollback()
	if err := e.Store.RebindChatID(ctx, tx, p.Seq, chatID); err != nil {
		return RegisterResult{}, fmt.Errorf("rebind chat id: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "participant.rebound", p.Seq, -1, events.EventPayload{"chat_id": chatID}); err != nil {
		return RegisterResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return RegisterResult{}, err
	}
	p.ChatID = chatID
	p.Status = domain.ParticipantActive
	return RegisterResult{Outcome: OutcomeWelcomeBack, Participant: p}, nil
}

// SetParticipantActive pauses or resumes a participant. A paused
// participant keeps the assignment and history but is skipped by the
// daily reveal; re-registering also resumes.
func (e *Engine) SetParticipantActive(ctx context.Context, chatID string, active bool) (domain.Participant, error) {
	p, err := e.Store.GetParticipantByChatID(ctx, chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Participant{}, ErrNotRegistered
		}
		return domain.Participant{}, err
	}
	status, evt := domain.ParticipantInactive, "participant.paused"
	if active {
		status, evt = domain.ParticipantActive, "participant.resumed"
	}
	if p.Status == status {
		return p, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Store.SetParticipantStatus(ctx, tx, p.Seq, status); err != nil {
		return p, fmt.Errorf("set participant status: %w", err)
	}
	if err := e.Events.Append(ctx, tx, evt, p.Seq, -1, nil); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.Status = status
	return p, nil
}

// draw selects n unique task ids uniformly at random.
func (e *Engine) draw(ids []string, n int) []string {
	perm := e.rand().Perm(len(ids))
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = ids[perm[i]]
	}
	return out
}

func (e *Engine) revealDateString(day int) string {
	t, err := e.Config.RevealDate(day)
	if err != nil {
		return ""
	}
	return t.Format(config.DateLayout)
}

// AdvanceReport summarizes one AdvanceDay run.
type AdvanceReport struct {
	DayIndex         int  `json:"day_index"`
	Ran              bool `json:"ran"`
	Revealed         int  `json:"revealed"`
	DispatchFailures int  `json:"dispatch_failures"`
	NewDayIndex      int  `json:"new_day_index"`
}

// AdvanceDay reveals the current day's tasks and moves the day pointer.
// It re-checks its own precondition (today must be the reveal date for
// the current index), so firing it on the wrong day, or again after the
// pointer moved, is a no-op.
func (e *Engine) AdvanceDay(ctx context.Context) (AdvanceReport, error) {
	e.jobs.Lock()
	defer e.jobs.Unlock()

	cal, err := e.calendar(ctx)
	if err != nil {
		return AdvanceReport{}, err
	}
	i := cal.CurrentDayIndex
	n := e.Config.Days()
	report := AdvanceReport{DayIndex: i, NewDayIndex: i}
	if i >= n {
		return report, nil // calendar finished
	}
	reveal, err := e.Config.RevealDate(i)
	if err != nil {
		return report, err
	}
	loc := reveal.Location()
	if !sameDate(e.now().In(loc), reveal) {
		return report, nil
	}
	report.Ran = true

	participants, err := e.Store.ListActiveParticipants(ctx)
	if err != nil {
		return report, err
	}
	for _, p := range participants {
		revealed, body, err := e.revealFor(ctx, p, i)
		if err != nil {
			// Store failure for one participant should not abort the batch.
			e.logger().Printf("advance day %d: participant %d: %v", i, p.Seq, err)
			continue
		}
		if !revealed {
			continue
		}
		report.Revealed++
		if err := e.dispatch(ctx, p, i, body); err != nil {
			report.DispatchFailures++
			e.logger().Printf("dispatch day %d to %s: %v", i, p.DisplayName, err)
			e.recordDispatchFailure(ctx, p.Seq, i, err)
		}
	}

	nextDate := ""
	if i+1 < n {
		nextDate = e.Config.Calendar.Dates[i+1]
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return report, err
	}
	defer tx.Rollback()
	moved, err := e.Store.AdvanceCalendar(ctx, tx, i, i+1, nextDate)
	if err != nil {
		return report, err
	}
	if moved {
		if err := e.Events.Append(ctx, tx, "day.advanced", 0, i, events.EventPayload{"revealed": report.Revealed}); err != nil {
			return report, err
		}
		if err := tx.Commit(); err != nil {
			return report, err
		}
		report.NewDayIndex = i + 1
	}
	return report, nil
}

// revealFor transitions one slot NOT_YET -> PENDING and returns the
// task text to deliver. The transition commits before any dispatch so a
// failed delivery still leaves the participant able to self-report.
func (e *Engine) revealFor(ctx context.Context, p domain.Participant, day int) (bool, string, error) {
	a, err := e.Store.GetAssignment(ctx, p.Seq)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, "", nil // registered but never assigned; nothing to reveal
		}
		return false, "", err
	}
	if day >= len(a.TaskIDs) {
		return false, "", nil
	}
	task, err := e.Store.GetTask(ctx, a.TaskIDs[day])
	if err != nil {
		return false, "", fmt.Errorf("task %s: %w", a.TaskIDs[day], err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, "", err
	}
	defer tx.Rollback()
	won, err := e.Store.CASDayStatus(ctx, tx, p.Seq, day, domain.StatusNotYet, domain.StatusPending)
	if err != nil {
		return false, "", err
	}
	if !won {
		return false, "", nil // already revealed by an earlier run
	}
	if err := e.Events.Append(ctx, tx, "day.revealed", p.Seq, day, nil); err != nil {
		return false, "", err
	}
	if err := tx.Commit(); err != nil {
		return false, "", err
	}
	return true, task.Body, nil
}

func (e *Engine) dispatch(ctx context.Context, p domain.Participant, day int, body string) error {
	dctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()
	text := fmt.Sprintf("🎄 Task for %s (day %d):\n\n%s\n\nComplete it by %s and report with /done. Good luck!",
		e.Config.Calendar.Dates[day], day+1, body, e.Config.Calendar.DeadlineTime)
	return e.Notifier.Dispatch(dctx, p.ChatID, text)
}

func (e *Engine) recordDispatchFailure(ctx context.Context, seq int64, day int, cause error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "dispatch.failed", seq, day, events.EventPayload{"error": cause.Error()}); err != nil {
		return
	}
	_ = tx.Commit()
}

type CompleteResult struct {
	Outcome        Outcome `json:"outcome"`
	DayIndex       int     `json:"day_index"`
	CompletedCount int     `json:"completed_count"`
}

// MarkComplete records a self-report for the most recently revealed
// day. The PENDING -> COMPLETED write is a compare-and-set, so racing
// with the expiry sweep can never double-apply: the loser observes a
// terminal status and returns the matching advisory outcome.
func (e *Engine) MarkComplete(ctx context.Context, chatID string) (CompleteResult, error) {
	p, err := e.Store.GetParticipantByChatID(ctx, chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return CompleteResult{Outcome: OutcomeNotRegistered}, nil
		}
		return CompleteResult{}, err
	}
	prog, err := e.Store.GetProgress(ctx, p.Seq)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return CompleteResult{Outcome: OutcomeNotRegistered}, nil
		}
		return CompleteResult{}, err
	}
	cal, err := e.calendar(ctx)
	if err != nil {
		return CompleteResult{}, err
	}
	if cal.CurrentDayIndex == 0 {
		return CompleteResult{Outcome: OutcomeNoActiveTask}, nil
	}
	day := cal.CurrentDayIndex - 1
	if day >= len(prog.Statuses) {
		return CompleteResult{Outcome: OutcomeNoActiveTask, DayIndex: day}, nil
	}
	res := CompleteResult{DayIndex: day, CompletedCount: prog.CompletedCount}

	switch prog.Statuses[day] {
	case domain.StatusCompleted:
		res.Outcome = OutcomeAlreadyDone
		return res, nil
	case domain.StatusNotYet, domain.StatusExpired:
		res.Outcome = OutcomeNoActiveTask
		return res, nil
	}

	deadline, err := e.Config.Deadline(day)
	if err != nil {
		return res, err
	}
	if e.now().After(deadline) {
		// Advisory denial only; the sweep owns the EXPIRED write.
		res.Outcome = OutcomeTooLate
		return res, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	won, err := e.Store.CASDayStatus(ctx, tx, p.Seq, day, domain.StatusPending, domain.StatusCompleted)
	if err != nil {
		return res, err
	}
	if !won {
		// Lost the race: re-read and report the terminal state.
		st, err := e.Store.GetDayStatus(ctx, p.Seq, day)
		if err != nil {
			return res, err
		}
		if st == domain.StatusCompleted {
			res.Outcome = OutcomeAlreadyDone
		} else {
			res.Outcome = OutcomeNoActiveTask
		}
		return res, nil
	}
	if err := e.Store.IncrementCompletedCount(ctx, tx, p.Seq); err != nil {
		return res, err
	}
	if err := e.Events.Append(ctx, tx, "task.completed", p.Seq, day, nil); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.Outcome = OutcomeDone
	res.CompletedCount = prog.CompletedCount + 1
	return res, nil
}

// ExpirePending sweeps revealed days whose deadline has passed,
// turning every remaining PENDING slot to EXPIRED. It re-checks each
// day's deadline itself, so a trigger firing minutes after the
// evening's reveal cannot expire the freshly revealed day, and a sweep
// missed across a restart is picked up by the next run. Safe to
// re-run: a clean sweep matches no rows.
func (e *Engine) ExpirePending(ctx context.Context) (int64, error) {
	e.jobs.Lock()
	defer e.jobs.Unlock()

	cal, err := e.calendar(ctx)
	if err != nil {
		return 0, err
	}
	if cal.CurrentDayIndex == 0 {
		return 0, nil
	}
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	var total int64
	for day := 0; day < cal.CurrentDayIndex && day < e.Config.Days(); day++ {
		deadline, err := e.Config.Deadline(day)
		if err != nil {
			return 0, err
		}
		if !now.After(deadline) {
			continue
		}
		n, err := e.Store.ExpireDay(ctx, tx, day)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			if err := e.Events.Append(ctx, tx, "day.expired", 0, day, events.EventPayload{"expired": n}); err != nil {
				return 0, err
			}
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

// ScheduleView renders a participant's calendar: task text only for
// revealed or past days, upcoming days stay a surprise.
func (e *Engine) ScheduleView(ctx context.Context, chatID string) ([]domain.DayView, error) {
	p, err := e.Store.GetParticipantByChatID(ctx, chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, err
	}
	prog, err := e.Store.GetProgress(ctx, p.Seq)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, err
	}
	a, err := e.Store.GetAssignment(ctx, p.Seq)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	cal, err := e.calendar(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]domain.DayView, 0, len(prog.Statuses))
	for i, st := range prog.Statuses {
		v := domain.DayView{
			DayIndex: i,
			Date:     e.Config.Calendar.Dates[i],
			Status:   st,
		}
		if i < cal.CurrentDayIndex && i < len(a.TaskIDs) {
			task, err := e.Store.GetTask(ctx, a.TaskIDs[i])
			if err == nil {
				v.TaskBody = task.Body
			}
			if d, err := e.Config.Deadline(i); err == nil {
				v.Deadline = d.Format(time.RFC3339)
			}
		}
		views = append(views, v)
	}
	return views, nil
}

// LeaderboardView pairs the ranking with the day pointer for display.
type LeaderboardView struct {
	Entries         []domain.LeaderboardEntry `json:"entries"`
	CurrentDayIndex int                       `json:"current_day_index"`
	Days            int                       `json:"days"`
}

func (e *Engine) Leaderboard(ctx context.Context, limit int) (LeaderboardView, error) {
	entries, err := e.Store.TopParticipants(ctx, limit)
	if err != nil {
		return LeaderboardView{}, err
	}
	cal, err := e.calendar(ctx)
	if err != nil {
		return LeaderboardView{}, err
	}
	return LeaderboardView{
		Entries:         entries,
		CurrentDayIndex: cal.CurrentDayIndex,
		Days:            e.Config.Days(),
	}, nil
}

// ImportTasks seeds the read-only catalog. Entries without an id get a
// generated one.
func (e *Engine) ImportTasks(ctx context.Context, tasks []domain.Task) (int, error) {
	count := 0
	for _, t := range tasks {
		if strings.TrimSpace(t.Body) == "" {
			return count, fmt.Errorf("task %q has empty body", t.ID)
		}
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if err := e.Store.UpsertTask(ctx, t); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// calendar reads the singleton pointer, seeding it before day 0 on
// first touch.
func (e *Engine) calendar(ctx context.Context) (domain.Calendar, error) {
	cal, err := e.Store.GetCalendar(ctx)
	if err == nil {
		return cal, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.Calendar{}, err
	}
	if err := e.Store.EnsureCalendar(ctx, e.Config.Calendar.Dates[0]); err != nil {
		return domain.Calendar{}, err
	}
	return e.Store.GetCalendar(ctx)
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
