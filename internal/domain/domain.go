package domain

// DayStatus is the per-day progression state of one participant.
// NOT_YET means the day has not been revealed to the participant;
// PENDING means revealed and awaiting self-report; COMPLETED and
// EXPIRED are terminal.
type DayStatus string

const (
	StatusNotYet    DayStatus = "NOT_YET"
	StatusPending   DayStatus = "PENDING"
	StatusCompleted DayStatus = "COMPLETED"
	StatusExpired   DayStatus = "EXPIRED"
)

// Terminal reports whether a status can no longer change.
func (s DayStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

const (
	ParticipantActive   = "active"
	ParticipantInactive = "inactive"
)

// Participant is a registered user. Seq is the internal registration
// sequence; ChatID is the external platform identity, which may be
// rebound when the same display name re-registers.
type Participant struct {
	Seq            int64  `json:"seq"`
	ChatID         string `json:"chat_id"`
	DisplayName    string `json:"display_name"`
	Status         string `json:"status" enum:"active,inactive"`
	RegisteredAt   string `json:"registered_at" format:"date-time"`
	CompletedCount int    `json:"completed_count"`
}

// Task is an immutable catalog entry.
type Task struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

// Assignment is the fixed ordered task sequence for one participant,
// one task id per calendar day, no repeats.
type Assignment struct {
	ParticipantSeq int64    `json:"participant_seq"`
	TaskIDs        []string `json:"task_ids"`
}

// Progress is the mutable per-day record for one participant.
// Statuses is indexed by day; CompletedCount always equals the number
// of COMPLETED entries.
type Progress struct {
	ParticipantSeq int64       `json:"participant_seq"`
	Statuses       []DayStatus `json:"statuses"`
	CompletedCount int         `json:"completed_count"`
}

// Calendar is the singleton persisted day pointer. CurrentDayIndex is
// 0..N; NextDate mirrors the date of the next unrevealed day so
// operators can read the pointer without the config at hand.
type Calendar struct {
	CurrentDayIndex int    `json:"current_day_index"`
	NextDate        string `json:"next_date,omitempty"`
}

// DayView is one line of a participant's schedule. TaskBody is set only
// for revealed or past days.
type DayView struct {
	DayIndex int       `json:"day_index"`
	Date     string    `json:"date"`
	Status   DayStatus `json:"status"`
	TaskBody string    `json:"task_body,omitempty"`
	Deadline string    `json:"deadline,omitempty" format:"date-time"`
}

// LeaderboardEntry is a read-only projection over Progress.
type LeaderboardEntry struct {
	DisplayName    string `json:"display_name"`
	CompletedCount int    `json:"completed_count"`
}

// Event is one append-only audit log row.
type Event struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts" format:"date-time"`
	Type           string `json:"type"`
	ParticipantSeq int64  `json:"participant_seq,omitempty"`
	DayIndex       int    `json:"day_index"`
	Payload        string `json:"payload_json"`
}
