package server

import (
	"garland/internal/domain"
	"garland/internal/engine"
)

// Request payloads

type RegisterRequest struct {
	ChatID      string `json:"chat_id"`
	DisplayName string `json:"display_name"`
}

type ImportTasksRequest struct {
	Tasks []TaskEntry `json:"tasks"`
}

type TaskEntry struct {
	ID   string `json:"id,omitempty"`
	Body string `json:"body"`
}

// Response payloads

type RegisterResponse struct {
	Outcome     string              `json:"outcome" enum:"OK,WELCOME_BACK"`
	Participant ParticipantResponse `json:"participant"`
	FirstReveal string              `json:"first_reveal,omitempty"`
	RevealTime  string              `json:"reveal_time,omitempty"`
}

type ParticipantResponse struct {
	Seq            int64  `json:"seq"`
	DisplayName    string `json:"display_name"`
	Status         string `json:"status" enum:"active,inactive"`
	RegisteredAt   string `json:"registered_at,omitempty" format:"date-time"`
	CompletedCount int    `json:"completed_count"`
}

type CompleteResponse struct {
	Outcome        string `json:"outcome" enum:"DONE,ALREADY_DONE,TOO_LATE,NO_ACTIVE_TASK"`
	DayIndex       int    `json:"day_index"`
	CompletedCount int    `json:"completed_count"`
}

type DayViewResponse struct {
	DayIndex int    `json:"day_index"`
	Date     string `json:"date"`
	Status   string `json:"status" enum:"NOT_YET,PENDING,COMPLETED,EXPIRED"`
	TaskBody string `json:"task_body,omitempty"`
	Deadline string `json:"deadline,omitempty" format:"date-time"`
}

type LeaderboardResponse struct {
	Entries         []LeaderboardEntryResponse `json:"entries"`
	CurrentDayIndex int                        `json:"current_day_index"`
	Days            int                        `json:"days"`
}

type LeaderboardEntryResponse struct {
	DisplayName    string `json:"display_name"`
	CompletedCount int    `json:"completed_count"`
}

type AdvanceResponse struct {
	DayIndex         int  `json:"day_index"`
	Ran              bool `json:"ran"`
	Revealed         int  `json:"revealed"`
	DispatchFailures int  `json:"dispatch_failures"`
	NewDayIndex      int  `json:"new_day_index"`
}

type ExpireResponse struct {
	Expired int64 `json:"expired"`
}

type ImportTasksResponse struct {
	Imported int `json:"imported"`
}

type EventResponse struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts" format:"date-time"`
	Type           string `json:"type"`
	ParticipantSeq int64  `json:"participant_seq,omitempty"`
	DayIndex       int    `json:"day_index"`
	Payload        string `json:"payload_json,omitempty"`
}

func participantResponse(p domain.Participant) ParticipantResponse {
	return ParticipantResponse{
		Seq:            p.Seq,
		DisplayName:    p.DisplayName,
		Status:         p.Status,
		RegisteredAt:   p.RegisteredAt,
		CompletedCount: p.CompletedCount,
	}
}

func registerResponse(r engine.RegisterResult) RegisterResponse {
	return RegisterResponse{
		Outcome:     string(r.Outcome),
		Participant: participantResponse(r.Participant),
		FirstReveal: r.FirstReveal,
		RevealTime:  r.RevealTime,
	}
}

func completeResponse(r engine.CompleteResult) CompleteResponse {
	return CompleteResponse{
		Outcome:        string(r.Outcome),
		DayIndex:       r.DayIndex,
		CompletedCount: r.CompletedCount,
	}
}

func mapDayViews(views []domain.DayView) []DayViewResponse {
	out := make([]DayViewResponse, 0, len(views))
	for _, v := range views {
		out = append(out, DayViewResponse{
			DayIndex: v.DayIndex,
			Date:     v.Date,
			Status:   string(v.Status),
			TaskBody: v.TaskBody,
			Deadline: v.Deadline,
		})
	}
	return out
}

func leaderboardResponse(lb engine.LeaderboardView) LeaderboardResponse {
	entries := make([]LeaderboardEntryResponse, 0, len(lb.Entries))
	for _, e := range lb.Entries {
		entries = append(entries, LeaderboardEntryResponse{
			DisplayName:    e.DisplayName,
			CompletedCount: e.CompletedCount,
		})
	}
	return LeaderboardResponse{
		Entries:         entries,
		CurrentDayIndex: lb.CurrentDayIndex,
		Days:            lb.Days,
	}
}

func mapEvents(events []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, EventResponse{
			ID:             e.ID,
			TS:             e.TS,
			Type:           e.Type,
			ParticipantSeq: e.ParticipantSeq,
			DayIndex:       e.DayIndex,
			Payload:        e.Payload,
		})
	}
	return out
}
