package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/models"
)

// MessageType identifies a websocket message in the {type, payload} envelope.
type MessageType string

// Client to server
const (
	MessageAuthenticate   MessageType = "authenticate"
	MessageJoinContest    MessageType = "join_contest"
	MessageLeaveContest   MessageType = "leave_contest"
	MessageGetLeaderboard MessageType = "get_leaderboard"
	MessagePing           MessageType = "ping"
	MessageGetTime        MessageType = "get_time"
)

// Server to client
const (
	MessageAuthenticated     MessageType = "authenticated"
	MessageJoinedContest     MessageType = "joined_contest"
	MessageParticipantCount  MessageType = "participant_count"
	MessageLeaderboardUpdate MessageType = "leaderboard_update"
	MessageLeaderboard       MessageType = "leaderboard"
	MessageSubmissionResult  MessageType = "submission_result"
	MessageContestStarted    MessageType = "contest_started"
	MessageContestEnded      MessageType = "contest_ended"
	MessageContestExtended   MessageType = "contest_extended"
	MessageAnnouncement      MessageType = "announcement"
	MessagePong              MessageType = "pong"
	MessageServerTime        MessageType = "server_time"
	MessageError             MessageType = "error"
)

// Envelope is the frame every websocket message travels in.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps payload in an envelope.
func Encode(t MessageType, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type AuthenticatedPayload struct {
	UserID     string `json:"userId"`
	Privileged bool   `json:"privileged,omitempty"`
}

type JoinContestPayload struct {
	ContestID uuid.UUID `json:"contestId"`
}

// JoinedContestPayload is the full snapshot a session receives on join.
type JoinedContestPayload struct {
	ContestID        uuid.UUID                 `json:"contestId"`
	Status           models.ContestStatus      `json:"status"`
	ParticipantCount int                       `json:"participantCount"`
	Leaderboard      []models.LeaderboardEntry `json:"leaderboard"`
	Frozen           bool                      `json:"frozen"`
	ServerTime       int64                     `json:"serverTime"`
	EndTime          int64                     `json:"endTime"`
}

type ParticipantCountPayload struct {
	ContestID uuid.UUID `json:"contestId"`
	Count     int       `json:"count"`
}

// LeaderboardPayload carries changed entries for leaderboard_update and the
// full list for leaderboard.
type LeaderboardPayload struct {
	ContestID uuid.UUID                 `json:"contestId"`
	Entries   []models.LeaderboardEntry `json:"entries"`
	Removed   []string                  `json:"removed,omitempty"`
	Frozen    bool                      `json:"frozen"`
}

type SubmissionResultPayload struct {
	SubmissionID   string         `json:"submissionId,omitempty"`
	ContestID      uuid.UUID      `json:"contestId"`
	ProblemID      uuid.UUID      `json:"problemId"`
	Verdict        models.Verdict `json:"verdict"`
	PassedFraction float64        `json:"passedFraction,omitempty"`
	Score          float64        `json:"score"`
	Penalty        int            `json:"penalty"`
	Solved         int            `json:"solved"`
}

type ContestStartedPayload struct {
	ContestID  uuid.UUID `json:"contestId"`
	ServerTime int64     `json:"serverTime"`
	EndTime    int64     `json:"endTime"`
}

type ContestEndedPayload struct {
	ContestID uuid.UUID `json:"contestId"`
	Cancelled bool      `json:"cancelled,omitempty"`
}

type ContestExtendedPayload struct {
	ContestID uuid.UUID `json:"contestId"`
	EndTime   int64     `json:"endTime"`
}

type AnnouncementPayload struct {
	ContestID uuid.UUID `json:"contestId"`
	Message   string    `json:"message"`
	Timestamp int64     `json:"timestamp"`
}

// TimePayload is used by ping/pong and get_time/server_time. Timestamps are
// unix milliseconds.
type TimePayload struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
