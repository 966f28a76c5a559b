package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"garland/internal/domain"
)

// Store is the typed adapter over the four logical tables plus the
// singleton calendar record. It owns no business logic; guarded writes
// (compare-and-set on the stored status) are the only concession to the
// state machine's mutual-exclusion needs.
type Store struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- participants ---

func scanParticipant(row *sql.Row) (domain.Participant, error) {
	var p domain.Participant
	err := row.Scan(&p.Seq, &p.ChatID, &p.DisplayName, &p.Status, &p.RegisteredAt, &p.CompletedCount)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

const participantCols = `p.seq, p.chat_id, p.display_name, p.status, p.registered_at, COALESCE(pr.completed_count, 0)`
const participantFrom = `participants p LEFT JOIN progress pr ON pr.participant_seq = p.seq`

func (s Store) GetParticipantByChatID(ctx context.Context, chatID string) (domain.Participant, error) {
	return scanParticipant(s.DB.QueryRowContext(ctx,
		`SELECT `+participantCols+` FROM `+participantFrom+` WHERE p.chat_id=?`, chatID))
}

func (s Store) GetParticipantByName(ctx context.Context, displayName string) (domain.Participant, error) {
	return scanParticipant(s.DB.QueryRowContext(ctx,
		`SELECT `+participantCols+` FROM `+participantFrom+` WHERE p.display_name=?`, displayName))
}

func (s Store) InsertParticipant(ctx context.Context, tx *sql.Tx, p domain.Participant) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO participants(chat_id,display_name,status,registered_at) VALUES (?,?,?,?)`,
		p.ChatID, p.DisplayName, p.Status, p.RegisteredAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RebindChatID points an existing participant at a new external
// identity and reactivates the record.
func (s Store) RebindChatID(ctx context.Context, tx *sql.Tx, seq int64, chatID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE participants SET chat_id=?, status=? WHERE seq=?`,
		chatID, domain.ParticipantActive, seq)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s Store) SetParticipantStatus(ctx context.Context, tx *sql.Tx, seq int64, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE participants SET status=? WHERE seq=?`, status, seq)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveParticipants returns active participants in registration order.
func (s Store) ListActiveParticipants(ctx context.Context) ([]domain.Participant, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+participantCols+` FROM `+participantFrom+` WHERE p.status=? ORDER BY p.seq ASC`,
		domain.ParticipantActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.Seq, &p.ChatID, &p.DisplayName, &p.Status, &p.RegisteredAt, &p.CompletedCount); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- task catalog ---

func (s Store) UpsertTask(ctx context.Context, t domain.Task) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO tasks(id,body) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET body=excluded.body`, t.ID, t.Body)
	return err
}

func (s Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	err := s.DB.QueryRowContext(ctx, `SELECT id,body FROM tasks WHERE id=?`, id).Scan(&t.ID, &t.Body)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// ListTaskIDs returns the catalog ids in a stable order.
func (s Store) ListTaskIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM tasks ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- assignments ---

func (s Store) InsertAssignment(ctx context.Context, tx *sql.Tx, seq int64, taskIDs []string) error {
	for i, id := range taskIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO assignments(participant_seq,day_index,task_id) VALUES (?,?,?)`,
			seq, i, id); err != nil {
			return fmt.Errorf("assignment day %d: %w", i, err)
		}
	}
	return nil
}

func (s Store) GetAssignment(ctx context.Context, seq int64) (domain.Assignment, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT task_id FROM assignments WHERE participant_seq=? ORDER BY day_index ASC`, seq)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer rows.Close()
	a := domain.Assignment{ParticipantSeq: seq}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return a, err
		}
		a.TaskIDs = append(a.TaskIDs, id)
	}
	if err := rows.Err(); err != nil {
		return a, err
	}
	if len(a.TaskIDs) == 0 {
		return a, ErrNotFound
	}
	return a, nil
}

// --- progress ---

// InsertProgress seeds the header row plus one NOT_YET slot per day.
func (s Store) InsertProgress(ctx context.Context, tx *sql.Tx, seq int64, days int) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO progress(participant_seq,completed_count) VALUES (?,0)`, seq); err != nil {
		return err
	}
	for i := 0; i < days; i++ {
		if _, err := tx.ExecContext(ctx, `INSERT INTO progress_days(participant_seq,day_index,status) VALUES (?,?,?)`,
			seq, i, domain.StatusNotYet); err != nil {
			return fmt.Errorf("progress day %d: %w", i, err)
		}
	}
	return nil
}

func (s Store) GetProgress(ctx context.Context, seq int64) (domain.Progress, error) {
	p := domain.Progress{ParticipantSeq: seq}
	err := s.DB.QueryRowContext(ctx, `SELECT completed_count FROM progress WHERE participant_seq=?`, seq).Scan(&p.CompletedCount)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT status FROM progress_days WHERE participant_seq=? ORDER BY day_index ASC`, seq)
	if err != nil {
		return p, err
	}
	defer rows.Close()
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return p, err
		}
		p.Statuses = append(p.Statuses, domain.DayStatus(st))
	}
	return p, rows.Err()
}

// GetDayStatus reads one slot.
func (s Store) GetDayStatus(ctx context.Context, seq int64, day int) (domain.DayStatus, error) {
	var st string
	err := s.DB.QueryRowContext(ctx, `SELECT status FROM progress_days WHERE participant_seq=? AND day_index=?`, seq, day).Scan(&st)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return domain.DayStatus(st), err
}

// CASDayStatus transitions one slot from -> to and reports whether this
// caller won. The WHERE clause on the current status is the mutual
// exclusion between MarkComplete and the expiry sweep: only one of two
// racing transitions out of PENDING can see RowsAffected == 1.
func (s Store) CASDayStatus(ctx context.Context, tx *sql.Tx, seq int64, day int, from, to domain.DayStatus) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE progress_days SET status=? WHERE participant_seq=? AND day_index=? AND status=?`,
		to, seq, day, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// IncrementCompletedCount bumps the counter; callers invoke it in the
// same transaction as the winning PENDING -> COMPLETED write.
func (s Store) IncrementCompletedCount(ctx context.Context, tx *sql.Tx, seq int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE progress SET completed_count=completed_count+1 WHERE participant_seq=?`, seq)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireDay sweeps every remaining PENDING slot for one day to EXPIRED
// and returns how many rows turned. Idempotent: a second run matches
// nothing.
func (s Store) ExpireDay(ctx context.Context, tx *sql.Tx, day int) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE progress_days SET status=? WHERE day_index=? AND status=?`,
		domain.StatusExpired, day, domain.StatusPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- leaderboard ---

// TopParticipants ranks by completed count, ties broken by registration
// order. Zero-count participants are excluded.
func (s Store) TopParticipants(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT p.display_name, pr.completed_count
FROM progress pr JOIN participants p ON p.seq = pr.participant_seq
WHERE pr.completed_count > 0
ORDER BY pr.completed_count DESC, p.seq ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LeaderboardEntry
	for rows.Next() {
		var e domain.LeaderboardEntry
		if err := rows.Scan(&e.DisplayName, &e.CompletedCount); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- calendar singleton ---

// EnsureCalendar seeds the singleton row before day 0. Re-running after
// initialization is a no-op.
func (s Store) EnsureCalendar(ctx context.Context, nextDate string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO calendar(id,current_day_index,next_date) VALUES (1,0,?)
ON CONFLICT(id) DO NOTHING`, nextDate)
	return err
}

func (s Store) GetCalendar(ctx context.Context) (domain.Calendar, error) {
	var c domain.Calendar
	err := s.DB.QueryRowContext(ctx, `SELECT current_day_index,next_date FROM calendar WHERE id=1`).
		Scan(&c.CurrentDayIndex, &c.NextDate)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// AdvanceCalendar moves the day pointer from -> to with a guard on the
// current value, so a duplicate firing later in the day cannot advance
// twice.
func (s Store) AdvanceCalendar(ctx context.Context, tx *sql.Tx, from, to int, nextDate string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE calendar SET current_day_index=?, next_date=? WHERE id=1 AND current_day_index=?`,
		to, nextDate, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// --- event log ---

type EventFilters struct {
	Type  string
	Limit int
}

func (s Store) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id,ts,type,COALESCE(participant_seq,0),day_index,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ParticipantSeq, &e.DayIndex, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
