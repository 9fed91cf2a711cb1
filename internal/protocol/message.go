// Package protocol defines the wire format shared by the presence and duel
// channels: a JSON envelope carrying an event type plus the typed payloads
// for every inbound and outbound event.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Duel channel event types.
const (
	EventMatchStart              = "match:start"
	EventMatchQuestion           = "match:question"
	EventMatchResult             = "match:result"
	EventMatchEnd                = "match:end"
	EventMatchFound              = "match:found"
	EventMatchJoined             = "match:joined"
	EventMatchPlayerReady        = "match:player_ready"
	EventMatchOpponentAnswered   = "match:opponent_answered"
	EventMatchOpponentDisconnect = "match:opponent_disconnect"
	EventMatchTimerSync          = "match:timer_sync"
	EventMatchTimeout            = "match:timeout"
	EventMatchAlreadyEnded       = "match:already_ended"
	EventMatchReady              = "match:ready"
	EventMatchAnswer             = "match:answer"
)

// Presence channel event types.
const (
	EventActiveUsers        = "active_users"
	EventUserJoined         = "user:joined"
	EventUserLeft           = "user:left"
	EventPing               = "ping"
	EventMatchNotification  = "match:notification"
	EventMatchAccept        = "match:accept"
	EventMatchDecline       = "match:decline"
	EventMatchAccepted      = "match:accepted"
	EventMatchDeclined      = "match:declined"
	EventInviteNotification = "invite:notification"
	EventInviteAccept       = "invite:accept"
	EventInviteDecline      = "invite:decline"
	EventInviteAccepted     = "invite:accepted"
	EventInviteDeclined     = "invite:declined"
	EventInviteTimeout      = "invite:timeout"
)

// Match lifecycle statuses as reported by the REST collaborator.
const (
	StatusWaiting  = "waiting"
	StatusReady    = "ready"
	StatusActive   = "active"
	StatusFinished = "finished"
)

// AnswerOptions is the set of valid answer identifiers.
var AnswerOptions = []string{"a", "b", "c", "d"}

// ValidAnswer reports whether option names one of the four answers.
func ValidAnswer(option string) bool {
	for _, o := range AnswerOptions {
		if o == option {
			return true
		}
	}
	return false
}

// Envelope is the outer shape of every channel message. Payload fields sit
// either beside Type at the top level or nested under a "data" key,
// depending on the event; DecodePayload handles both.
type Envelope struct {
	Type string `json:"type"`
	raw  json.RawMessage
}

// ParseEnvelope decodes the envelope from one inbound frame.
//
// Postcondition: Returns an Envelope with a non-empty Type, or an error for
// malformed or untyped frames.
func ParseEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing event type")
	}
	env.raw = append(json.RawMessage(nil), frame...)
	return env, nil
}

// Raw returns the full frame, for handler dispatch.
func (e Envelope) Raw() json.RawMessage { return e.raw }

// DecodePayload unmarshals an event body into v. When the frame nests its
// payload under "data" the nested object is used; otherwise the top-level
// object is, matching the server's two delivery shapes.
func DecodePayload(frame json.RawMessage, v any) error {
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &wrapper); err == nil && len(wrapper.Data) > 0 && string(wrapper.Data) != "null" {
		if err := json.Unmarshal(wrapper.Data, v); err != nil {
			return fmt.Errorf("decoding nested payload: %w", err)
		}
		return nil
	}
	if err := json.Unmarshal(frame, v); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}

// EncodeEnvelope builds an outbound frame: the payload's fields flattened
// beside "type". A nil payload produces a bare type-only frame.
//
// Precondition: eventType must be non-empty; payload must marshal to a JSON
// object or be nil.
func EncodeEnvelope(eventType string, payload any) ([]byte, error) {
	body := map[string]any{"type": eventType}
	if payload != nil {
		blob, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling payload: %w", err)
		}
		var fields map[string]any
		if err := json.Unmarshal(blob, &fields); err != nil {
			return nil, fmt.Errorf("payload must be a JSON object: %w", err)
		}
		for k, v := range fields {
			if k != "type" {
				body[k] = v
			}
		}
	}
	return json.Marshal(body)
}

// Ranking is a user's best subject ranking, shown beside presence entries.
type Ranking struct {
	Points  int    `json:"points"`
	Subject string `json:"subject"`
}

// User is a player profile summary.
type User struct {
	ID          int64    `json:"id"`
	Email       string   `json:"email"`
	FirstName   string   `json:"first_name"`
	LastName    string   `json:"last_name"`
	Username    string   `json:"username"`
	BestRanking *Ranking `json:"best_ranking,omitempty"`
}

// DisplayName prefers the full name, then username, then email.
func (u User) DisplayName() string {
	if u.FirstName != "" && u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	if u.Username != "" {
		return u.Username
	}
	return u.Email
}

// Subject is a quiz subject descriptor.
type Subject struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	IconName string `json:"icon_name,omitempty"`
}

// Book is a catalog book descriptor.
type Book struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
	ISBN   string `json:"isbn,omitempty"`
}

// Question is one multiple-choice question as delivered while a match is in
// progress. It deliberately has no correct-answer field: the server only
// reveals the answer inside a result payload.
type Question struct {
	ID           int64  `json:"id"`
	Book         int64  `json:"book"`
	QuestionText string `json:"question_text"`
	OptionA      string `json:"option_a"`
	OptionB      string `json:"option_b"`
	OptionC      string `json:"option_c"`
	OptionD      string `json:"option_d"`
	// CurrentQuestionIndex is the server-authoritative ordinal; nil when
	// the event predates index reporting.
	CurrentQuestionIndex *int `json:"current_question_index,omitempty"`
}

// QuestionWithAnswer is the question echo inside a result payload, with the
// correct answer finally revealed.
type QuestionWithAnswer struct {
	ID            int64  `json:"id"`
	QuestionText  string `json:"question_text"`
	OptionA       string `json:"option_a"`
	OptionB       string `json:"option_b"`
	OptionC       string `json:"option_c"`
	OptionD       string `json:"option_d"`
	CorrectAnswer string `json:"correct_answer"`
}

// QuestionResult is the per-question outcome for both players.
type QuestionResult struct {
	Question        QuestionWithAnswer `json:"question"`
	YourAnswer      string             `json:"your_answer"`
	YourCorrect     bool               `json:"your_correct"`
	OpponentAnswer  string             `json:"opponent_answer"`
	OpponentCorrect bool               `json:"opponent_correct"`
}

// MatchEnd carries the final scores and the full result list.
type MatchEnd struct {
	MatchID      int64            `json:"match_id"`
	Player1Score int              `json:"player1_score"`
	Player2Score int              `json:"player2_score"`
	WinnerID     *int64           `json:"winner_id"`
	Questions    []QuestionResult `json:"questions,omitempty"`
}

// TimerSync reconciles the client countdown to server truth.
type TimerSync struct {
	QuestionIndex int `json:"question_index"`
	TimeLeft      int `json:"time_left"`
}

// MatchFound signals both player identities are bound to the match.
type MatchFound struct {
	Player1ID int64 `json:"player1_id"`
	Player2ID int64 `json:"player2_id"`
}

// MatchJoined announces a player connecting to the match channel.
type MatchJoined struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// PlayerReady announces a player's readiness on the duel channel.
type PlayerReady struct {
	UserID int64 `json:"user_id"`
}

// QuestionTimeout reports the server voided the current question.
type QuestionTimeout struct {
	QuestionIndex int    `json:"question_index"`
	Message       string `json:"message"`
}

// Answer is the outbound answer submission.
type Answer struct {
	Answer string `json:"answer"`
}

// ActiveUsers is the full-roster snapshot sent at connection establishment.
type ActiveUsers struct {
	Users []User `json:"users"`
}

// UserJoined is an incremental roster addition.
type UserJoined struct {
	User User `json:"user"`
}

// UserLeft is an incremental roster removal.
type UserLeft struct {
	UserID int64 `json:"user_id"`
}

// OfferNotice announces a match or invite offer with its countdown.
type OfferNotice struct {
	MatchID int64   `json:"match_id"`
	Player  User    `json:"player"`
	Book    Book    `json:"book"`
	Subject Subject `json:"subject"`
	Timeout int     `json:"timeout"`
}

// OfferDecision is the outbound accept/decline and the inbound
// accepted/declined/timeout variants, all keyed by match id.
type OfferDecision struct {
	MatchID  int64 `json:"match_id"`
	Opponent *User `json:"opponent,omitempty"`
}

// Match is the REST collaborator's match resource.
type Match struct {
	ID                   int64   `json:"id"`
	Player1              User    `json:"player1"`
	Player2              *User   `json:"player2"`
	Book                 Book    `json:"book"`
	Subject              Subject `json:"subject"`
	Status               string  `json:"status"`
	CurrentQuestionIndex int     `json:"current_question_index"`
	Player1Score         int     `json:"player1_score"`
	Player2Score         int     `json:"player2_score"`
	Winner               *User   `json:"winner"`
	CreatedAt            string  `json:"created_at,omitempty"`
	StartedAt            string  `json:"started_at,omitempty"`
	FinishedAt           string  `json:"finished_at,omitempty"`
}

// WinnerID returns the winner's user id, or nil on a draw or unfinished match.
func (m Match) WinnerID() *int64 {
	if m.Winner == nil {
		return nil
	}
	id := m.Winner.ID
	return &id
}
