package match

import "github.com/libgame/duelclient/internal/protocol"

// Phase is the lifecycle phase of a match session.
type Phase string

const (
	// PhaseSearching means the duel channel is open and the client is
	// waiting for both players to be bound.
	PhaseSearching Phase = "searching"
	// PhaseFound means both player identities are bound and the ready
	// decision is with the user.
	PhaseFound Phase = "found"
	// PhaseReadyWait means readiness was announced and the client is
	// waiting for the match to start.
	PhaseReadyWait Phase = "ready-wait"
	// PhaseCountdown is the brief local countdown after a question arrives,
	// before it is treated as live.
	PhaseCountdown Phase = "countdown"
	// PhaseInQuestion means a question is live and answerable.
	PhaseInQuestion Phase = "in-question"
	// PhaseShowingResult means a per-question result is on display.
	PhaseShowingResult Phase = "showing-result"
	// PhaseFinished is terminal. All further channel events are ignored.
	PhaseFinished Phase = "finished"
)

// OpponentActivity is the displayed state of the opponent within the
// current question.
type OpponentActivity string

const (
	ActivityWaiting   OpponentActivity = "waiting"
	ActivityAnswering OpponentActivity = "answering"
	ActivityAnswered  OpponentActivity = "answered"
)

// FinalScore is the terminal score tuple emitted exactly once per match.
// WinnerID is nil on a draw.
type FinalScore struct {
	Player1  int
	Player2  int
	WinnerID *int64
}

// Snapshot is a point-in-time copy of the session state for display.
type Snapshot struct {
	Phase          Phase
	QuestionIndex  int
	Question       *protocol.Question
	SelectedAnswer string
	TimeLeft       int
	TimedOut       bool
	Opponent       OpponentActivity
	Results        []protocol.QuestionResult
	Final          *FinalScore
}

// Score tallies the correct answers recorded so far for both sides.
func (s Snapshot) Score() (yours, opponents int) {
	for _, r := range s.Results {
		if r.YourCorrect {
			yours++
		}
		if r.OpponentCorrect {
			opponents++
		}
	}
	return yours, opponents
}
