package engine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"garland/internal/config"
	"garland/internal/db"
	"garland/internal/domain"
	"garland/internal/engine"
	"garland/internal/migrate"
)

const testConfigYAML = `calendar:
  dates:
    - 17.12.2025
    - 18.12.2025
    - 19.12.2025
    - 20.12.2025
    - 21.12.2025
    - 22.12.2025
    - 23.12.2025
  bootstrap_date: 16.12.2025
  timezone: UTC
  reveal_time: "18:00"
  deadline_time: "20:00"
  sweep_time: "20:01"
`

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(dir)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg, err := config.FromYAML([]byte(testConfigYAML))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	env := &testEnv{
		Engine: engine.New(conn, cfg),
		Ctx:    context.Background(),
		now:    time.Date(2025, 12, 16, 12, 0, 0, 0, time.UTC),
	}
	env.Engine.Now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) setNow(t time.Time) { env.now = t }

func (env *testEnv) seedTasks(t *testing.T, n int) {
	t.Helper()
	tasks := make([]domain.Task, n)
	for i := range tasks {
		tasks[i] = domain.Task{ID: fmt.Sprintf("t%02d", i), Body: fmt.Sprintf("task body %d", i)}
	}
	if count, err := env.Engine.ImportTasks(env.Ctx, tasks); err != nil || count != n {
		t.Fatalf("import tasks: got %d, %v", count, err)
	}
}

func (env *testEnv) register(t *testing.T, chatID, name string) engine.RegisterResult {
	t.Helper()
	res, err := env.Engine.Register(env.Ctx, chatID, name)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return res
}

// capture collects dispatched notifications; failFor simulates an
// unreachable chat.
type capture struct {
	sent    []string
	failFor string
}

func (c *capture) Dispatch(_ context.Context, chatID, text string) error {
	if chatID == c.failFor {
		return fmt.Errorf("chat %s unreachable", chatID)
	}
	c.sent = append(c.sent, chatID+": "+text)
	return nil
}

func TestRegisterDrawsUniqueAssignment(t *testing.T) {
	env := newTestEnv(t)
	env.seedTasks(t, 10)
	res := env.register(t, "chat-1", "Иванов Иван Иванович")
	if res.Outcome != engine.OutcomeOK {
		t.Fatalf("outcome: %s", res.Outcome)
	}
	if res.Participant.Seq == 0 {
		t.Fatalf("expected assigned seq")
	}
	if res.FirstReveal != "16.12.2025" {
		t.Fatalf("first reveal: %s", res.FirstReveal)
	}

	a, err := env.Engine.Store.GetAssignment(env.Ctx, res.Participant.Seq)
	if err != nil {
		t.Fatalf("assignment: %v", err)
	}
	if len(a.TaskIDs) != 7 {
		t.Fatalf("expected 7 tasks, got %d", len(a.TaskIDs))
	}
	seen := map[string]bool{}
	for _, id := range a.TaskIDs {
		if seen[id] {
			t.Fatalf("duplicate task %s in assignment", id)
		}
		seen[id] = true
	}
	prog, err := env.Engine.Store.GetProgress(env.Ctx, res.Participant.Seq)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if len(prog.Statuses) != 7 || prog.CompletedCount != 0 {
		t.Fatalf("progress: %+v", prog)
	}
	for i, st := range prog.Statuses {
		if st != domain.StatusNotYet {
			t.Fatalf("day %d status %s", i, st)
		}
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Register(env.Ctx, "chat-1", "Madonna")
	if err != nil || res.Outcome != engine.OutcomeInvalidName {
		t.Fatalf("single token: %s, %v", res.Outcome, err)
	}
	res, err = env.Engine.Register(env.Ctx, "chat-1", "   ")
	if err != nil || res.Outcome != engine.OutcomeInvalidName {
		t.Fatalf("blank: %s, %v", res.Outcome, err)
	}
	// only 6 tasks for a 7-day run
	env.seedTasks(t, 6)
	res, err = env.Engine.Register(env.Ctx, "chat-1", "Иванов Иван")
	if err != nil || res.Outcome != engine.OutcomeInsufficientTasks {
		t.Fatalf("insufficient: %s, %v", res.Outcome, err)
	}
}

func TestRegisterWelcomeBackKeepsAssignment(t *testing.T) {
	env := newTestEnv(t)
	env.seedTasks(t, 7)
	first := env.register(t, "chat-old", "Иванов Иван")
	orig, err := env.Engine.Store.GetAssignment(env.Ctx, first.Participant.Seq)
	if err != nil {
		t.Fatalf("assignment: %v", err)
	}

	back := env.register(t, "chat-new", "Иванов Иван")
	if back.Outcome != engine.OutcomeWelcomeBack {
		t.Fatalf("outcome: %s", back.Outcome)
	}
	if back.Participant.Seq != first.Participant.Seq {
		t.Fatalf("expected same participant, got %d vs %d", back.Participant.Seq, first.Participant.Seq)
	}
	p, err := env.Engine.Store.GetParticipantByChatID(env.Ctx, "chat-new")
	if err != nil || p.Seq != first.Participant.Seq {
		t.Fatalf("rebind: %+v, %v", p, err)
	}
	again, err := env.Engine.Store.GetAssignment(env.Ctx, first.Participant.Seq)
	if err != nil {
		t.Fatalf("assignment after rebind: %v", err)
	}
	for i := range orig.TaskIDs {
		if again.TaskIDs[i] != orig.TaskIDs[i] {
			t.Fatalf("assignment changed at %d", i)
		}
	}
	// same chat, same name: also a welcome back, no duplicate row
	dup := env.register(t, "chat-new", "Иванов Иван")
	if dup.Outcome != engine.OutcomeWelcomeBack {
		t.Fatalf("duplicate: %s", dup.Outcome)
	}
	var count int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM participants`).Scan(&count); err != nil || count != 1 {
		t.Fatalf("participants: %d, %v", count, err)
	}
}

func TestAdvanceDayRevealsAndMovesPointer(t *testing.T) {
	env := newTestEnv(t)
	env.seedTasks(t, 7)
	res := env.register(t, "chat-1", "Иванов Иван")
	sink := &capture{}
	env.Engine.Notifier = sink

	env.setNow(time.Date(2025, 12, 16, 18, 0, 0, 0, time.UTC))
	report, err := env.Engine.AdvanceDay(env.Ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !report.Ran || report.Revealed != 1 || report.NewDayIndex != 1 {
		t.Fatalf("report: %+v", report)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("dispatched %d", len(sink.sent))
	}
	st, err := env.Engine.Store.GetDayStatus(env.Ctx, res.Participant.Seq, 0)
	if err != nil || st != domain.StatusPending {
		t.Fatalf("day 0 status: %s, %v", st, err)
	}

	// Re-running the same evening is a no-op: the pointer already moved
	// and day 1's reveal date is tomorrow.
	report, err = env.Engine.AdvanceDay(env.Ctx)
	if err != nil {
		t.Fatalf("advance again: %v", err)
	}
	if report.Ran || report.NewDayIndex != 1 {
		t.Fatalf("second run report: %+v", report)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("no re-dispatch expected, got %d", len(sink.sent))
	}
}

func TestAdvanceDayWrongDateIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	env.seedTasks(t, 7)
	env.register(t, "chat-1", "Иванов Иван")
	sink := &capture{}
	env.Engine.Notifier = sink

	env.setNow(time.Date(2025, 12, 14, 18, 0, 0, 0, time.UTC))
	report, err := env.Engine.AdvanceDay(env.Ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if report.Ran || report.Revealed != 0 || report.NewDayIndex != 0 {
		t.Fatalf("report: %+v", report)
	}
	if len(sink.sent) != 0 {
		t.Fatalf("unexpected dispatch")
	}
}

func TestAdvanceDayDispatchFailureDoesNotAbort(t *testing.T) {
	env := newTestEnv(t)
	env.seedTasks(t, 7)
	bad := env.register(t, "chat-bad", "Петров Петр")
	env.register(t, "chat-ok", "Иванов Иван")
	sink := &capture{failFor: "chat-bad"}
	env.Engine.Notifier = sink

	env.setNow(time.Date(2025, 12, 16, 18, 0, 0, 0, time.UTC))
	report, err := env.Engine.AdvanceDay(env.Ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if report.Revealed != 2 || report.DispatchFailures != 1 || report.NewDayIndex != 1 {
		t.Fatalf("report: %+v", report)
	}
	// The failed chat still got its PENDING slot; only delivery failed.
	st, err := env.Engine.Store.GetDayStatus(env.Ctx, bad.Participant.Seq, 0)
	if err != nil || st != domain.StatusPending {
		t.Fatalf("bad chat day 0: %s, %v", st, err)
	}
	var failures int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type='dispatch.failed'`).Scan(&failures); err != nil || failures != 1 {
		t.Fatalf("dispatch.failed events: %d, %v", failures, err)
	}
}

func TestPausedParticipantSkipsReveal(t *testing.T) {
	env := newTestEnv(t)
	env.seedTasks(t, 7)
	active := env.register(t, "chat-on", "Иванов Иван")
	paused := env.register(t, "chat-off", "Петров Петр")
	sink := &capture{}
	env.Engine.Notifier = sink

	p, err := env.Engine.SetParticipantActive(env.Ctx, "chat-off", false)
	if err != nil || p.Status != domain.ParticipantInactive {
		t.Fatalf("pause: %+v, %v", p, err)
	}
	// pausing again changes nothing and writes no second event
	if _, err := env.Engine.SetParticipantActive(env.Ctx, "chat-off", false); err != nil {
		t.Fatalf("re-pause: %v", err)
	}
	var pausedEvents int
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM events WHERE type='participant.paused'`).Scan(&pausedEvents); err != nil || pausedEvents != 1 {
		t.Fatalf("participant.paused events: %d, %v", pausedEvents, err)
	}

	env.setNow(time.Date(2025, 12, 16, 18, 0, 0, 0, time.UTC))
	report, err := env.Engine.AdvanceDay(env.Ctx)
	if err != nil || report.Revealed != 1 {
		t.Fatalf("advance: %+v, %v", report, err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("dispatched %d", len(sink.sent))
	}
	if st, _ := env.Engine.Store.GetDayStatus(env.Ctx, active.Participant.Seq, 0); st != domain.StatusPending {
		t.Fatalf("active day 0: %s", st)
	}
	if st, _ := env.Engine.Store.GetDayStatus(env.Ctx, paused.Participant.Seq, 0); st != domain.StatusNotYet {
		t.Fatalf("paused day 0: %s", st)
	}

	// resumed participants are picked up at the next reveal; the day
	// missed while paused stays NOT_YET
	p, err = env.Engine.SetParticipantActive(env.Ctx, "chat-off", true)
	if err != nil || p.Status != domain.ParticipantActive {
		t.Fatalf("resume: %+v, %v", p, err)
	}
	env.setNow(time.Date(2025, 12, 17, 18, 0, 0, 0, time.UTC))
	report, err = env.Engine.AdvanceDay(env.Ctx)
	if err != nil || report.Revealed != 2 {
		t.Fatalf("advance day 1: %+v, %v", report, err)
	}
	if st, _ := env.Engine.Store.GetDayStatus(env.Ctx, paused.Participant.Seq, 1); st != domain.StatusPending {
		t.Fatalf("resumed day 1: %s", st)
	}
	if st, _ := env.Engine.Store.GetDayStatus(env.Ctx, paused.Participant.Seq, 0); st != domain.StatusNotYet {
		t.Fatalf("missed day 0 touched: %s", st)
	}

	if _, err := env.Engine.SetParticipantActive(env.Ctx, "chat-unknown", false); err != engine.ErrNotRegistered {
		t.Fatalf("unknown chat: %v", err)
	}
}

func TestMarkCompleteLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.seedTasks(t, 7)
	res := env.register(t, "chat-1", "Иванов Иван")

	// before any reveal
	cr, err := env.Engine.MarkComplete(env.Ctx, "chat-1")
	if err != nil || cr.Outcome != engine.OutcomeNoActiveTask {
		t.Fatalf("pre-reveal: %s, %v", cr.Outcome, err)
	}
	cr, err = env.Engine.MarkComplete(env.Ctx, "chat-unknown")
	if err != nil || cr.Outcome != engine.OutcomeNotRegistered {
		t.Fatalf("unknown chat: %s, %v", cr.Outcome, err)
	}

	env.setNow(time.Date(2025, 12, 16, 18, 0, 0, 0, time.UTC))
	if _, err := env.Engine.AdvanceDay(env.Ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}

	// in time: deadline for day 0 is 17.12 20:00
	env.setNow(time.Date(2025, 12, 17, 19, 0, 0, 0, time.UTC))
	cr, err = env.Engine.MarkComplete(env.Ctx, "chat-1")
	if err != nil || cr.Outcome != engine.OutcomeDone {
		t.Fatalf("done: %s, %v", cr.Outcome, err)
	}
	if cr.CompletedCount != 1 || cr.DayIndex != 0 {
		t.Fatalf("result: %+v", cr)
	}

	// repeated report bumps nothing
	cr, err = env.Engine.MarkComplete(env.Ctx, "chat-1")
	if err != nil || cr.Outcome != engine.OutcomeAlreadyDone {
		t.Fatalf("already done: %s, %v", cr.Outcome, err)
	}
	prog, err := env.Engine.Store.GetProgress(env.Ctx, res.Participant.Seq)
	if err != nil || prog.CompletedCount != 1 {
		t.Fatalf("count after repeat: %d, %v", prog.CompletedCount, err)
	}
}

func TestMarkCompleteTooLateThenSweep(t *testing.T) {
	env := newTestEnv(t)
	env.seedTasks(t, 7)
	res := env.register(t, "chat-1", "Иванов Иван")

	env.setNow(time.Date(2025, 12, 16, 18, 0, 0, 0, time.UTC))
	if _, err := env.Engine.AdvanceDay(env.Ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}

	env.setNow(time.Date(2025, 12, 17, 20, 30, 0, 0, time.UTC))
	cr, err := env.Engine.MarkComplete(env.Ctx, "chat-1")
	if err != nil || cr.Outcome != engine.OutcomeTooLate {
		t.Fatalf("too late: %s, %v", cr.Outcome, err)
	}
	// the denial writes nothing; the sweep owns EXPIRED
	st, err := env.Engine.Store.GetDayStatus(env.Ctx, res.Participant.Seq, 0)
	if err != nil || st != domain.StatusPending {
		t.Fatalf("status after denial: %s, %v", st, err)
	}

	n, err := env.Engine.ExpirePending(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: %d, %v", n, err)
	}
	st, err = env.Engine.Store.GetDayStatus(env.Ctx, res.Participant.Seq, 0)
	if err != nil || st != domain.StatusExpired {
		t.Fatalf("status after sweep: %s, %v", st, err)
	}
	cr, err = env.Engine.MarkComplete(env.Ctx, "chat-1")
	if err != nil || cr.Outcome != engine.OutcomeNoActiveTask {
		t.Fatalf("after expiry: %s, %v", cr.Outcome, err)
	}
	prog, err := env.Engine.Store.GetProgress(env.Ctx, res.Participant.Seq)
	if err != nil || prog.CompletedCount != 0 {
		t.Fatalf("count unchanged: %d, %v", prog.CompletedCount, err)
	}

	// re-sweep matches nothing
	n, err = env.Engine.ExpirePending(env.Ctx)
	if err != nil || n != 0 {
		t.Fatalf("re-sweep: %d, %v", n, err)
	}
}

func TestCompletedSlotsSurviveSweep(t *testing.T) {
	env := newTestEnv(t)
	env.seedTasks(t, 7)
	res := env.register(t, "chat-1", "Иванов Иван")

	env.setNow(time.Date(2025, 12, 16, 18, 0, 0, 0, time.UTC))
	if _, err := env.Engine.AdvanceDay(env.Ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	env.setNow(time.Date(2025, 12, 17, 10, 0, 0, 0, time.UTC))
	if cr, err := env.Engine.MarkComplete(env.Ctx, "chat-1"); err != nil || cr.Outcome != engine.OutcomeDone {
		t.Fatalf("done: %v", err)
	}

	env.setNow(time.Date(2025, 12, 17, 20, 1, 0, 0, time.UTC))
	n, err := env.Engine.ExpirePending(env.Ctx)
	if err != nil || n != 0 {
		t.Fatalf("sweep touched %d rows, %v", n, err)
	}
	st, err := env.Engine.Store.GetDayStatus(env.Ctx, res.Participant.Seq, 0)
	if err != nil || st != domain.StatusCompleted {
		t.Fatalf("status: %s, %v", st, err)
	}
}

func TestFullWeekRun(t *testing.T) {
	env := newTestEnv(t)
	env.seedTasks(t, 7)
	env.register(t, "chat-1", "Иванов Иван")

	at := func(d, hh, mm int) time.Time { return time.Date(2025, 12, d, hh, mm, 0, 0, time.UTC) }

	// Walk the calendar in wall-clock order. Each evening reveals the
	// next day at 18:00 and sweeps at 20:01; every other task is
	// reported done the following morning, the rest are left to expire.
	for i := 0; i < 7; i++ {
		d := 16 + i
		if i > 0 && (i-1)%2 == 0 {
			env.setNow(at(d, 10, 0))
			if cr, err := env.Engine.MarkComplete(env.Ctx, "chat-1"); err != nil || cr.Outcome != engine.OutcomeDone {
				t.Fatalf("complete day %d: %s, %v", i-1, cr.Outcome, err)
			}
		}
		env.setNow(at(d, 18, 0))
		report, err := env.Engine.AdvanceDay(env.Ctx)
		if err != nil || !report.Ran || report.NewDayIndex != i+1 {
			t.Fatalf("advance day %d: %+v, %v", i, report, err)
		}
		env.setNow(at(d, 20, 1))
		if _, err := env.Engine.ExpirePending(env.Ctx); err != nil {
			t.Fatalf("sweep evening %d: %v", d, err)
		}
	}

	// final morning: report the last day, then nothing is left to advance
	env.setNow(at(23, 10, 0))
	if cr, err := env.Engine.MarkComplete(env.Ctx, "chat-1"); err != nil || cr.Outcome != engine.OutcomeDone {
		t.Fatalf("complete last day: %s, %v", cr.Outcome, err)
	}
	env.setNow(at(23, 18, 0))
	report, err := env.Engine.AdvanceDay(env.Ctx)
	if err != nil || report.Ran {
		t.Fatalf("terminal advance: %+v, %v", report, err)
	}
	env.setNow(at(23, 20, 1))
	if _, err := env.Engine.ExpirePending(env.Ctx); err != nil {
		t.Fatalf("final sweep: %v", err)
	}

	lb, err := env.Engine.Leaderboard(env.Ctx, 5)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if lb.CurrentDayIndex != 7 {
		t.Fatalf("pointer: %d", lb.CurrentDayIndex)
	}
	if len(lb.Entries) != 1 || lb.Entries[0].CompletedCount != 4 {
		t.Fatalf("entries: %+v", lb.Entries)
	}

	// the core invariant: nothing stays PENDING or NOT_YET past its sweep
	var stuck int
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM progress_days WHERE status IN ('NOT_YET','PENDING')`).Scan(&stuck); err != nil || stuck != 0 {
		t.Fatalf("non-terminal slots left: %d, %v", stuck, err)
	}
}

func TestLeaderboardOrderingAndExclusion(t *testing.T) {
	env := newTestEnv(t)
	env.seedTasks(t, 7)
	counts := []int{3, 0, 5, 5, 1}
	seqs := make([]int64, len(counts))
	for i := range counts {
		res := env.register(t, fmt.Sprintf("chat-%d", i), fmt.Sprintf("Фамилия Имя%d", i))
		seqs[i] = res.Participant.Seq
	}
	for i, c := range counts {
		if _, err := env.Engine.DB.ExecContext(env.Ctx,
			`UPDATE progress SET completed_count=? WHERE participant_seq=?`, c, seqs[i]); err != nil {
			t.Fatalf("seed count: %v", err)
		}
	}

	lb, err := env.Engine.Leaderboard(env.Ctx, 5)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	want := []struct {
		name  string
		count int
	}{
		{"Фамилия Имя2", 5},
		{"Фамилия Имя3", 5}, // tie broken by registration order
		{"Фамилия Имя0", 3},
		{"Фамилия Имя4", 1},
	}
	if len(lb.Entries) != len(want) {
		t.Fatalf("entries: %+v", lb.Entries)
	}
	for i, w := range want {
		got := lb.Entries[i]
		if got.DisplayName != w.name || got.CompletedCount != w.count {
			t.Fatalf("rank %d: got %s/%d want %s/%d", i, got.DisplayName, got.CompletedCount, w.name, w.count)
		}
	}
}

func TestScheduleViewHidesUpcomingTasks(t *testing.T) {
	env := newTestEnv(t)
	env.seedTasks(t, 7)
	env.register(t, "chat-1", "Иванов Иван")

	env.setNow(time.Date(2025, 12, 16, 18, 0, 0, 0, time.UTC))
	if _, err := env.Engine.AdvanceDay(env.Ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}

	views, err := env.Engine.ScheduleView(env.Ctx, "chat-1")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(views) != 7 {
		t.Fatalf("views: %d", len(views))
	}
	if views[0].Status != domain.StatusPending || views[0].TaskBody == "" || views[0].Deadline == "" {
		t.Fatalf("revealed day: %+v", views[0])
	}
	for i := 1; i < 7; i++ {
		if views[i].Status != domain.StatusNotYet || views[i].TaskBody != "" {
			t.Fatalf("upcoming day %d leaked: %+v", i, views[i])
		}
	}

	if _, err := env.Engine.ScheduleView(env.Ctx, "chat-unknown"); err != engine.ErrNotRegistered {
		t.Fatalf("unknown chat: %v", err)
	}
}
