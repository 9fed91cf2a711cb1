// Package match drives the client-side lifecycle of one duel: matchmaking,
// readiness, the question loop, and finalization. The controller consumes
// duel channel events and reconciles them against local state under
// idempotent guards, because the channel gives no ordering guarantee across
// reconnects. Question index and remaining time are server-authoritative;
// every local timer is display-only or a safety net.
package match

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/libgame/duelclient/internal/config"
	"github.com/libgame/duelclient/internal/protocol"
	"github.com/libgame/duelclient/internal/transport"
)

// Fetcher is the REST collaborator surface the controller needs for
// fallback fetches of authoritative match state.
type Fetcher interface {
	Match(ctx context.Context, id int64) (protocol.Match, error)
}

// Options configures a Controller.
type Options struct {
	// MatchID keys the duel channel and the REST resource.
	MatchID int64
	// SelfID is the local player's user id, needed to synthesize a
	// local-winner result when every authoritative source is gone.
	SelfID int64
	// Registry owns the duel transport slot.
	Registry *transport.Registry
	// Factory builds the duel transport when the registry has no live one.
	Factory transport.Factory
	// Fetcher resolves final match state when the channel cannot.
	Fetcher Fetcher
	// Config supplies the client-local timers.
	Config config.MatchConfig
	// Logger must be non-nil.
	Logger *zap.Logger
	// OnFinal is invoked exactly once with the terminal score tuple.
	// Optional.
	OnFinal func(FinalScore)
	// OnChange is invoked after every state mutation with a fresh
	// snapshot. Optional.
	OnChange func(Snapshot)
	// TickInterval is the local countdown cadence. Defaults to one second.
	TickInterval time.Duration
}

// Controller is the match lifecycle state machine. All event handlers and
// exported methods serialize on one mutex; timer callbacks and late channel
// events are fenced by a generation counter so nothing registered before a
// teardown can mutate state after it.
type Controller struct {
	opts   Options
	logger *zap.Logger

	mu  sync.Mutex
	gen int

	tr    *transport.Transport
	phase Phase

	player1ID int64
	player2ID int64

	questionIndex int
	question      *protocol.Question
	selected      string
	answered      map[int64]bool
	timeLeft      int
	timeSynced    bool
	timedOut      bool

	results    []protocol.QuestionResult
	resultSeen map[int64]bool

	opponent OpponentActivity

	readyResent  bool
	stuckTimer   *time.Timer
	resultTimer  *time.Timer
	tickerDone   chan struct{}
	disconnected bool

	final *FinalScore
}

// NewController creates a Controller in the searching phase. Call Start to
// open the channel and begin consuming events.
//
// Precondition: opts.Registry, opts.Factory, opts.Fetcher and opts.Logger
// must be non-nil; opts.MatchID must be positive.
func NewController(opts Options) *Controller {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	return &Controller{
		opts:       opts,
		logger:     opts.Logger.Named("match").With(zap.Int64("match_id", opts.MatchID)),
		phase:      PhaseSearching,
		answered:   make(map[int64]bool),
		resultSeen: make(map[int64]bool),
		opponent:   ActivityWaiting,
	}
}

// Start acquires the duel transport, registers the event handlers, connects
// if needed, and announces readiness to receive the current question. A
// remount of an already finished session short-circuits to the REST summary
// without reopening a transport.
//
// Postcondition: on nil error the controller is live and consuming events,
// or the session was already finished and OnFinal has re-fired.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.phase == PhaseFinished {
		final := c.final
		c.mu.Unlock()
		if final != nil {
			c.emitFinal(*final)
			return nil
		}
		return c.fetchAndFinalize(ctx)
	}

	gen := c.gen
	key := strconv.FormatInt(c.opts.MatchID, 10)
	c.tr = c.opts.Registry.AcquireOrReuse(transport.KindDuel, key, c.opts.Factory)
	c.subscribe(gen)
	alreadyOpen := c.tr.Connected()
	tr := c.tr
	c.mu.Unlock()

	if !alreadyOpen {
		if err := tr.Connect(ctx); err != nil {
			return fmt.Errorf("open duel channel: %w", err)
		}
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil
	}
	tr.Send(protocol.EventMatchReady, nil)
	c.startStuckTimerLocked(gen)
	c.startTickerLocked(gen)
	c.mu.Unlock()
	c.notify()
	return nil
}

// Stop detaches the controller from the channel without finishing the
// match: it removes only its own listeners, cancels its timers, and fences
// out any callbacks still in flight. The transport itself is released when
// the match finishes or via the registry on navigation away.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.gen++
	c.stopTimersLocked()
	tr := c.tr
	c.tr = nil
	finished := c.phase == PhaseFinished
	c.mu.Unlock()
	if tr != nil && !finished {
		c.opts.Registry.Release(transport.KindDuel)
	}
}

// Ready is the user's readiness decision. It announces readiness and moves
// into the ready-wait phase; the server starts the match once both players
// have announced.
func (c *Controller) Ready() {
	c.mu.Lock()
	if c.phase != PhaseSearching && c.phase != PhaseFound {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseReadyWait
	gen := c.gen
	tr := c.tr
	c.startStuckTimerLocked(gen)
	c.mu.Unlock()
	if tr != nil {
		tr.Send(protocol.EventMatchReady, nil)
	}
	c.notify()
}

// Answer submits the given option for the live question. Exactly one answer
// is accepted per question id; repeated calls for the same question are
// ignored. Returns an error only for a locally invalid option or when no
// question is live.
func (c *Controller) Answer(option string) error {
	if !protocol.ValidAnswer(option) {
		return fmt.Errorf("invalid answer option %q", option)
	}
	c.mu.Lock()
	if c.phase != PhaseInQuestion && c.phase != PhaseCountdown {
		c.mu.Unlock()
		return fmt.Errorf("no live question in phase %s", c.phase)
	}
	q := c.question
	if q == nil {
		c.mu.Unlock()
		return fmt.Errorf("no question held")
	}
	if c.answered[q.ID] {
		c.mu.Unlock()
		return nil
	}
	c.answered[q.ID] = true
	c.selected = option
	tr := c.tr
	c.mu.Unlock()

	if tr != nil {
		tr.Send(protocol.EventMatchAnswer, protocol.Answer{Answer: option})
	}
	c.notify()
	return nil
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Snapshot returns a copy of the session state for display.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		Phase:          c.phase,
		QuestionIndex:  c.questionIndex,
		SelectedAnswer: c.selected,
		TimeLeft:       c.timeLeft,
		TimedOut:       c.timedOut,
		Opponent:       c.opponent,
		Results:        append([]protocol.QuestionResult(nil), c.results...),
		Final:          c.final,
	}
	if c.question != nil {
		q := *c.question
		s.Question = &q
	}
	return s
}

// subscribe registers every duel channel handler, each fenced by gen.
func (c *Controller) subscribe(gen int) {
	on := func(eventType string, fn func(json.RawMessage)) {
		c.tr.Subscribe(eventType, func(data json.RawMessage) {
			c.mu.Lock()
			stale := c.gen != gen || c.phase == PhaseFinished
			c.mu.Unlock()
			if stale {
				return
			}
			fn(data)
		})
	}

	on(protocol.EventMatchFound, c.onFound)
	on(protocol.EventMatchJoined, c.onJoined)
	on(protocol.EventMatchPlayerReady, c.onPlayerReady)
	on(protocol.EventMatchStart, c.onStart)
	on(protocol.EventMatchQuestion, c.onQuestion)
	on(protocol.EventMatchResult, c.onResult)
	on(protocol.EventMatchOpponentAnswered, c.onOpponentAnswered)
	on(protocol.EventMatchTimerSync, c.onTimerSync)
	on(protocol.EventMatchTimeout, c.onTimeout)
	on(protocol.EventMatchEnd, c.onEnd)
	on(protocol.EventMatchAlreadyEnded, c.onAlreadyEnded)
	on(protocol.EventMatchOpponentDisconnect, c.onOpponentDisconnect)
}

func (c *Controller) onFound(data json.RawMessage) {
	var found protocol.MatchFound
	if err := protocol.DecodePayload(data, &found); err != nil {
		c.logger.Warn("dropping malformed match:found", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.player1ID = found.Player1ID
	c.player2ID = found.Player2ID
	if c.phase == PhaseSearching {
		c.phase = PhaseFound
	}
	c.mu.Unlock()
	c.logger.Info("opponent found",
		zap.Int64("player1_id", found.Player1ID),
		zap.Int64("player2_id", found.Player2ID))
	c.notify()
}

func (c *Controller) onJoined(data json.RawMessage) {
	var joined protocol.MatchJoined
	if err := protocol.DecodePayload(data, &joined); err != nil {
		return
	}
	c.logger.Debug("player joined channel", zap.Int64("user_id", joined.UserID))
}

func (c *Controller) onPlayerReady(data json.RawMessage) {
	var ready protocol.PlayerReady
	if err := protocol.DecodePayload(data, &ready); err != nil {
		return
	}
	c.logger.Debug("player announced ready", zap.Int64("user_id", ready.UserID))
}

// onStart carries the first (or, when joining a match in progress, the
// current) question together with the authoritative index.
func (c *Controller) onStart(data json.RawMessage) {
	c.applyQuestion(data, PhaseCountdown)
}

func (c *Controller) onQuestion(data json.RawMessage) {
	c.applyQuestion(data, PhaseInQuestion)
}

// applyQuestion installs an inbound question, resetting all per-question
// local state. A redelivery of the question already held is a no-op so a
// duplicate push cannot wipe the selected answer or restart the countdown.
// The index only ever moves forward.
func (c *Controller) applyQuestion(data json.RawMessage, next Phase) {
	var q protocol.Question
	if err := protocol.DecodePayload(data, &q); err != nil {
		c.logger.Warn("dropping malformed question", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.question != nil && c.question.ID == q.ID {
		c.mu.Unlock()
		c.logger.Debug("ignoring duplicate question", zap.Int64("question_id", q.ID))
		return
	}
	if q.CurrentQuestionIndex != nil {
		if *q.CurrentQuestionIndex < c.questionIndex {
			c.mu.Unlock()
			c.logger.Debug("ignoring stale question",
				zap.Int("index", *q.CurrentQuestionIndex),
				zap.Int("local_index", c.questionIndex))
			return
		}
		c.questionIndex = *q.CurrentQuestionIndex
	} else if c.question != nil {
		c.questionIndex++
	}

	c.question = &q
	c.selected = ""
	c.timedOut = false
	c.timeSynced = false
	c.opponent = ActivityWaiting
	c.timeLeft = c.opts.Config.QuestionSeconds
	c.phase = next
	c.stopStuckTimerLocked()
	c.stopResultTimerLocked()
	index := c.questionIndex
	c.mu.Unlock()

	c.logger.Info("question received",
		zap.Int64("question_id", q.ID),
		zap.Int("index", index))
	c.notify()
}

// onResult appends a per-question outcome. The log is keyed by question id
// and append-only: redelivered results are absorbed without double counting.
func (c *Controller) onResult(data json.RawMessage) {
	var result protocol.QuestionResult
	if err := protocol.DecodePayload(data, &result); err != nil {
		c.logger.Warn("dropping malformed result", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.resultSeen[result.Question.ID] {
		c.mu.Unlock()
		c.logger.Debug("ignoring duplicate result", zap.Int64("question_id", result.Question.ID))
		return
	}
	c.resultSeen[result.Question.ID] = true
	c.results = append(c.results, result)
	c.phase = PhaseShowingResult
	c.opponent = ActivityWaiting
	gen := c.gen
	c.startResultTimerLocked(gen)
	c.mu.Unlock()

	c.logger.Info("result recorded",
		zap.Int64("question_id", result.Question.ID),
		zap.Bool("your_correct", result.YourCorrect))
	c.notify()
}

func (c *Controller) onOpponentAnswered(json.RawMessage) {
	c.mu.Lock()
	c.opponent = ActivityAnswered
	c.mu.Unlock()
	c.notify()
}

// onTimerSync reconciles the local countdown against server truth. A sync
// for a lower index is stale and ignored. An equal index adopts the time.
// A higher index adopts both, since the sync may legitimately outrun the
// next question event.
func (c *Controller) onTimerSync(data json.RawMessage) {
	var sync protocol.TimerSync
	if err := protocol.DecodePayload(data, &sync); err != nil {
		return
	}

	c.mu.Lock()
	switch {
	case sync.QuestionIndex < c.questionIndex:
		c.mu.Unlock()
		return
	case sync.QuestionIndex > c.questionIndex:
		c.questionIndex = sync.QuestionIndex
	}
	c.timeLeft = sync.TimeLeft
	c.timeSynced = true
	c.mu.Unlock()
	c.notify()
}

// onTimeout marks the current question as voided by the server. Displayed
// state only; the authoritative outcome still arrives as a result event.
func (c *Controller) onTimeout(data json.RawMessage) {
	var timeout protocol.QuestionTimeout
	if err := protocol.DecodePayload(data, &timeout); err != nil {
		return
	}
	c.mu.Lock()
	c.timedOut = true
	c.mu.Unlock()
	c.logger.Info("question timed out", zap.Int("index", timeout.QuestionIndex))
	c.notify()
}

func (c *Controller) onEnd(data json.RawMessage) {
	var end protocol.MatchEnd
	if err := protocol.DecodePayload(data, &end); err != nil {
		c.logger.Warn("dropping malformed match:end", zap.Error(err))
		return
	}
	c.finalize(FinalScore{
		Player1:  end.Player1Score,
		Player2:  end.Player2Score,
		WinnerID: end.WinnerID,
	})
}

// onAlreadyEnded fires when the channel is opened against a match that
// finished while the client was away. Authority lives in REST now.
func (c *Controller) onAlreadyEnded(json.RawMessage) {
	c.logger.Info("match already ended, fetching summary")
	go func() {
		if err := c.fetchAndFinalize(context.Background()); err != nil {
			c.logger.Warn("summary fetch failed", zap.Error(err))
		}
	}()
}

// onOpponentDisconnect starts the disappearance grace period: fetch
// authoritative final state over REST within the window, and fall back to a
// synthesized local-winner result when that fails too.
func (c *Controller) onOpponentDisconnect(json.RawMessage) {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	gen := c.gen
	c.mu.Unlock()

	c.logger.Warn("opponent disconnected, starting grace period",
		zap.Duration("grace", c.opts.Config.DisconnectGrace))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.Config.DisconnectGrace)
		defer cancel()
		if err := c.fetchAndFinalize(ctx); err == nil {
			return
		}

		c.mu.Lock()
		if c.gen != gen || c.phase == PhaseFinished {
			c.mu.Unlock()
			return
		}
		yours, opponents := c.snapshotLocked().Score()
		self := c.opts.SelfID
		fs := FinalScore{WinnerID: &self}
		if c.player1ID == self || c.player1ID == 0 {
			fs.Player1, fs.Player2 = yours, opponents
		} else {
			fs.Player1, fs.Player2 = opponents, yours
		}
		c.mu.Unlock()

		c.logger.Warn("no authoritative final state, crediting remaining player")
		c.finalize(fs)
	}()
}

// fetchAndFinalize resolves the final score from the REST resource.
func (c *Controller) fetchAndFinalize(ctx context.Context) error {
	m, err := c.opts.Fetcher.Match(ctx, c.opts.MatchID)
	if err != nil {
		return err
	}
	c.finalize(FinalScore{
		Player1:  m.Player1Score,
		Player2:  m.Player2Score,
		WinnerID: m.WinnerID(),
	})
	return nil
}

// finalize is the single terminal transition. Idempotent: the first caller
// wins, records the score, tears down the duel transport deliberately, and
// emits the final tuple; everyone else is a no-op.
func (c *Controller) finalize(fs FinalScore) {
	c.mu.Lock()
	if c.phase == PhaseFinished {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseFinished
	c.final = &fs
	c.gen++
	c.stopTimersLocked()
	c.tr = nil
	c.mu.Unlock()

	c.opts.Registry.Release(transport.KindDuel)
	c.logger.Info("match finished",
		zap.Int("player1_score", fs.Player1),
		zap.Int("player2_score", fs.Player2),
		zap.Int64p("winner_id", fs.WinnerID))
	c.emitFinal(fs)
	c.notify()
}

func (c *Controller) emitFinal(fs FinalScore) {
	if c.opts.OnFinal != nil {
		c.opts.OnFinal(fs)
	}
}

func (c *Controller) notify() {
	if c.opts.OnChange == nil {
		return
	}
	c.mu.Lock()
	s := c.snapshotLocked()
	c.mu.Unlock()
	c.opts.OnChange(s)
}

// startStuckTimerLocked arms the re-announce safety net: if no question is
// held when the grace period elapses, readiness is re-announced exactly
// once, which handles joining a match already in progress.
func (c *Controller) startStuckTimerLocked(gen int) {
	c.stopStuckTimerLocked()
	c.stuckTimer = time.AfterFunc(c.opts.Config.StuckGrace, func() {
		c.mu.Lock()
		if c.gen != gen || c.question != nil || c.readyResent || c.phase == PhaseFinished {
			c.mu.Unlock()
			return
		}
		c.readyResent = true
		tr := c.tr
		c.mu.Unlock()
		if tr != nil {
			c.logger.Info("no question received in grace period, re-announcing ready")
			tr.Send(protocol.EventMatchReady, nil)
		}
	})
}

func (c *Controller) startResultTimerLocked(gen int) {
	c.stopResultTimerLocked()
	c.resultTimer = time.AfterFunc(c.opts.Config.ResultDisplay, func() {
		c.mu.Lock()
		if c.gen != gen || c.phase != PhaseShowingResult {
			c.mu.Unlock()
			return
		}
		c.phase = PhaseInQuestion
		c.mu.Unlock()
		c.notify()
	})
}

// startTickerLocked runs the display countdown. Once a timer sync has been
// applied for the current question the local decrement stops; the server
// value is authoritative from then on.
func (c *Controller) startTickerLocked(gen int) {
	if c.tickerDone != nil {
		return
	}
	done := make(chan struct{})
	c.tickerDone = done
	go func() {
		ticker := time.NewTicker(c.opts.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.mu.Lock()
				if c.gen != gen {
					c.mu.Unlock()
					return
				}
				changed := false
				if c.phase == PhaseCountdown {
					c.phase = PhaseInQuestion
					changed = true
				}
				if c.phase == PhaseInQuestion && !c.timeSynced && c.timeLeft > 0 {
					c.timeLeft--
					changed = true
				}
				c.mu.Unlock()
				if changed {
					c.notify()
				}
			}
		}
	}()
}

func (c *Controller) stopTimersLocked() {
	c.stopStuckTimerLocked()
	c.stopResultTimerLocked()
	if c.tickerDone != nil {
		close(c.tickerDone)
		c.tickerDone = nil
	}
}

func (c *Controller) stopStuckTimerLocked() {
	if c.stuckTimer != nil {
		c.stuckTimer.Stop()
		c.stuckTimer = nil
	}
}

func (c *Controller) stopResultTimerLocked() {
	if c.resultTimer != nil {
		c.resultTimer.Stop()
		c.resultTimer = nil
	}
}
