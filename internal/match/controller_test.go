package match

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/libgame/duelclient/internal/config"
	"github.com/libgame/duelclient/internal/health"
	"github.com/libgame/duelclient/internal/protocol"
	"github.com/libgame/duelclient/internal/testutil"
	"github.com/libgame/duelclient/internal/transport"
)

type fakeFetcher struct {
	match protocol.Match
	err   error
	calls atomic.Int32
}

func (f *fakeFetcher) Match(ctx context.Context, id int64) (protocol.Match, error) {
	f.calls.Add(1)
	if f.err != nil {
		return protocol.Match{}, f.err
	}
	return f.match, nil
}

type fixture struct {
	server   *testutil.WSServer
	registry *transport.Registry
	fetcher  *fakeFetcher
	finals   chan FinalScore
	ctrl     *Controller
}

func newFixture(t *testing.T, fetcher *fakeFetcher) *fixture {
	t.Helper()
	s := testutil.NewWSServer(t)
	r := transport.NewRegistry(zap.NewNop())
	t.Cleanup(r.ReleaseAll)

	finals := make(chan FinalScore, 2)
	f := &fixture{server: s, registry: r, fetcher: fetcher, finals: finals}
	f.ctrl = NewController(Options{
		MatchID:  42,
		SelfID:   7,
		Registry: r,
		Factory: func() *transport.Transport {
			return transport.New(transport.Options{
				BaseURL:              s.URL(),
				Kind:                 transport.KindDuel,
				Key:                  "42",
				Token:                "tok",
				KeepaliveInterval:    time.Hour,
				ReconnectBaseDelay:   10 * time.Millisecond,
				MaxReconnectAttempts: 5,
				Logger:               zap.NewNop(),
				Health:               health.NewTracker(),
			})
		},
		Fetcher: fetcher,
		Config: config.MatchConfig{
			QuestionSeconds: 60,
			ResultDisplay:   40 * time.Millisecond,
			StuckGrace:      50 * time.Millisecond,
			DisconnectGrace: 300 * time.Millisecond,
		},
		Logger:       zap.NewNop(),
		OnFinal:      func(fs FinalScore) { finals <- fs },
		TickInterval: time.Hour,
	})
	t.Cleanup(f.ctrl.Stop)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.ctrl.Start(context.Background()))
}

func (f *fixture) waitPhase(t *testing.T, want Phase) {
	t.Helper()
	testutil.WaitFor(t, time.Second, func() bool { return f.ctrl.Phase() == want })
}

func questionFrame(id int64, index int) string {
	return fmt.Sprintf(`{"type":"match:question","data":{"id":%d,"question_text":"q","option_a":"1","option_b":"2","option_c":"3","option_d":"4","current_question_index":%d}}`, id, index)
}

func TestController_StartAnnouncesReady(t *testing.T) {
	f := newFixture(t, &fakeFetcher{})
	f.start(t)

	testutil.WaitFor(t, time.Second, func() bool {
		for _, typ := range f.server.InboundTypes() {
			if typ == "match:ready" {
				return true
			}
		}
		return false
	})
	assert.Equal(t, PhaseSearching, f.ctrl.Phase())
}

func TestController_FoundSurfacesOpponent(t *testing.T) {
	f := newFixture(t, &fakeFetcher{})
	f.start(t)

	f.server.Push(t, `{"type":"match:found","player1_id":7,"player2_id":8}`)
	f.waitPhase(t, PhaseFound)
}

func TestController_DuplicateQuestionIsNoop(t *testing.T) {
	f := newFixture(t, &fakeFetcher{})
	f.start(t)

	f.server.Push(t, questionFrame(7, 0))
	f.waitPhase(t, PhaseInQuestion)
	require.NoError(t, f.ctrl.Answer("b"))

	f.server.Push(t, questionFrame(7, 0))
	time.Sleep(50 * time.Millisecond)

	snap := f.ctrl.Snapshot()
	assert.Equal(t, "b", snap.SelectedAnswer, "duplicate delivery must not reset the selected answer")
	assert.Equal(t, PhaseInQuestion, snap.Phase)
}

func TestController_AnswerOncePerQuestion(t *testing.T) {
	f := newFixture(t, &fakeFetcher{})
	f.start(t)

	f.server.Push(t, questionFrame(7, 0))
	f.waitPhase(t, PhaseInQuestion)

	require.NoError(t, f.ctrl.Answer("a"))
	require.NoError(t, f.ctrl.Answer("d")) // ignored, same question

	assert.Equal(t, "a", f.ctrl.Snapshot().SelectedAnswer)

	testutil.WaitFor(t, time.Second, func() bool {
		count := 0
		for _, typ := range f.server.InboundTypes() {
			if typ == "match:answer" {
				count++
			}
		}
		return count == 1
	})
	time.Sleep(30 * time.Millisecond)
	count := 0
	for _, m := range f.server.Inbound() {
		if m["type"] == "match:answer" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestController_AnswerValidation(t *testing.T) {
	f := newFixture(t, &fakeFetcher{})
	f.start(t)

	assert.Error(t, f.ctrl.Answer("e"))
	assert.Error(t, f.ctrl.Answer("a"), "no live question yet")
}

func TestController_DuplicateResultDeduplicated(t *testing.T) {
	f := newFixture(t, &fakeFetcher{})
	f.start(t)

	f.server.Push(t, questionFrame(7, 0))
	f.waitPhase(t, PhaseInQuestion)

	result := `{"type":"match:result","data":{"question":{"id":7,"correct_answer":"a"},"your_answer":"a","your_correct":true}}`
	f.server.Push(t, result)
	f.waitPhase(t, PhaseShowingResult)
	f.server.Push(t, result)
	time.Sleep(50 * time.Millisecond)

	snap := f.ctrl.Snapshot()
	require.Len(t, snap.Results, 1)
	assert.Equal(t, int64(7), snap.Results[0].Question.ID)
	yours, _ := snap.Score()
	assert.Equal(t, 1, yours, "redelivery must not double count")
}

func TestController_ResultDisplayExpires(t *testing.T) {
	f := newFixture(t, &fakeFetcher{})
	f.start(t)

	f.server.Push(t, questionFrame(7, 0))
	f.waitPhase(t, PhaseInQuestion)
	f.server.Push(t, `{"type":"match:result","data":{"question":{"id":7,"correct_answer":"a"},"your_correct":false}}`)
	f.waitPhase(t, PhaseShowingResult)
	f.waitPhase(t, PhaseInQuestion)
}

func TestController_TimerSyncReconciliation(t *testing.T) {
	f := newFixture(t, &fakeFetcher{})
	f.start(t)

	f.server.Push(t, questionFrame(7, 2))
	f.waitPhase(t, PhaseInQuestion)

	// Stale index: ignored entirely.
	f.server.Push(t, `{"type":"match:timer_sync","data":{"question_index":1,"time_left":5}}`)
	time.Sleep(30 * time.Millisecond)
	snap := f.ctrl.Snapshot()
	assert.Equal(t, 2, snap.QuestionIndex)
	assert.Equal(t, 60, snap.TimeLeft)

	// Equal index: adopt the time.
	f.server.Push(t, `{"type":"match:timer_sync","data":{"question_index":2,"time_left":41}}`)
	testutil.WaitFor(t, time.Second, func() bool { return f.ctrl.Snapshot().TimeLeft == 41 })

	// Ahead of local: adopt index and time, the next question event may lag.
	f.server.Push(t, `{"type":"match:timer_sync","data":{"question_index":3,"time_left":60}}`)
	testutil.WaitFor(t, time.Second, func() bool { return f.ctrl.Snapshot().QuestionIndex == 3 })
}

func TestController_IndexNeverDecreases(t *testing.T) {
	f := newFixture(t, &fakeFetcher{})
	f.start(t)

	f.server.Push(t, questionFrame(9, 3))
	f.waitPhase(t, PhaseInQuestion)

	// A question for an earlier index is stale and dropped.
	f.server.Push(t, questionFrame(5, 1))
	time.Sleep(50 * time.Millisecond)

	snap := f.ctrl.Snapshot()
	assert.Equal(t, 3, snap.QuestionIndex)
	require.NotNil(t, snap.Question)
	assert.Equal(t, int64(9), snap.Question.ID)
}

func TestController_StuckRecoveryReannouncesOnce(t *testing.T) {
	f := newFixture(t, &fakeFetcher{})
	f.start(t)

	// Initial announce plus exactly one re-announce after the grace period.
	testutil.WaitFor(t, time.Second, func() bool {
		count := 0
		for _, typ := range f.server.InboundTypes() {
			if typ == "match:ready" {
				count++
			}
		}
		return count == 2
	})
	time.Sleep(120 * time.Millisecond)
	count := 0
	for _, typ := range f.server.InboundTypes() {
		if typ == "match:ready" {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestController_MatchEndFinalizes(t *testing.T) {
	f := newFixture(t, &fakeFetcher{})
	f.start(t)

	f.server.Push(t, `{"type":"match:end","data":{"match_id":42,"player1_score":6,"player2_score":4,"winner_id":7}}`)

	select {
	case fs := <-f.finals:
		assert.Equal(t, 6, fs.Player1)
		assert.Equal(t, 4, fs.Player2)
		require.NotNil(t, fs.WinnerID)
		assert.Equal(t, int64(7), *fs.WinnerID)
	case <-time.After(time.Second):
		t.Fatal("no final score emitted")
	}
	assert.Equal(t, PhaseFinished, f.ctrl.Phase())
	assert.Nil(t, f.registry.Get(transport.KindDuel), "duel transport must be released")
}

func TestController_EventsIgnoredAfterFinish(t *testing.T) {
	f := newFixture(t, &fakeFetcher{})
	f.start(t)

	f.server.Push(t, `{"type":"match:end","data":{"player1_score":1,"player2_score":0,"winner_id":7}}`)
	<-f.finals

	// Channel is gone; a late duplicate end must not re-emit.
	select {
	case <-f.finals:
		t.Fatal("finalization emitted twice")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestController_OpponentDisconnectRESTFallback(t *testing.T) {
	winner := int64(101)
	fetcher := &fakeFetcher{match: protocol.Match{
		ID:           42,
		Player1Score: 4,
		Player2Score: 2,
		Winner:       &protocol.User{ID: winner},
	}}
	f := newFixture(t, fetcher)
	f.start(t)

	accepted := f.server.Accepted()
	f.server.Push(t, `{"type":"match:opponent_disconnect","data":{}}`)

	select {
	case fs := <-f.finals:
		assert.Equal(t, 4, fs.Player1)
		assert.Equal(t, 2, fs.Player2)
		require.NotNil(t, fs.WinnerID)
		assert.Equal(t, winner, *fs.WinnerID)
	case <-time.After(time.Second):
		t.Fatal("no final score emitted")
	}

	// Teardown is deliberate: no reconnect may follow.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, accepted, f.server.Accepted())
	assert.Nil(t, f.registry.Get(transport.KindDuel))
}

func TestController_OpponentDisconnectSynthesizedFallback(t *testing.T) {
	fetcher := &fakeFetcher{err: context.DeadlineExceeded}
	f := newFixture(t, fetcher)
	f.start(t)

	f.server.Push(t, questionFrame(7, 0))
	f.waitPhase(t, PhaseInQuestion)
	f.server.Push(t, `{"type":"match:result","data":{"question":{"id":7,"correct_answer":"a"},"your_correct":true,"opponent_correct":false}}`)
	f.waitPhase(t, PhaseShowingResult)

	f.server.Push(t, `{"type":"match:opponent_disconnect","data":{}}`)

	select {
	case fs := <-f.finals:
		require.NotNil(t, fs.WinnerID)
		assert.Equal(t, int64(7), *fs.WinnerID, "remaining player credited as winner")
		assert.Equal(t, 1, fs.Player1)
		assert.Equal(t, 0, fs.Player2)
	case <-time.After(2 * time.Second):
		t.Fatal("no synthesized final score")
	}
}

func TestController_AlreadyEndedShortCircuits(t *testing.T) {
	winner := int64(8)
	fetcher := &fakeFetcher{match: protocol.Match{
		Player1Score: 2,
		Player2Score: 5,
		Winner:       &protocol.User{ID: winner},
	}}
	f := newFixture(t, fetcher)
	f.start(t)

	f.server.Push(t, `{"type":"match:already_ended","data":{}}`)

	select {
	case fs := <-f.finals:
		assert.Equal(t, 2, fs.Player1)
		assert.Equal(t, 5, fs.Player2)
	case <-time.After(time.Second):
		t.Fatal("no final score emitted")
	}
}

func TestController_FinishedRemountSkipsTransport(t *testing.T) {
	f := newFixture(t, &fakeFetcher{})
	f.start(t)

	f.server.Push(t, `{"type":"match:end","data":{"player1_score":3,"player2_score":3}}`)
	fs := <-f.finals
	assert.Nil(t, fs.WinnerID, "draw has no winner")

	accepted := f.server.Accepted()
	require.NoError(t, f.ctrl.Start(context.Background()))

	select {
	case again := <-f.finals:
		assert.Equal(t, fs, again)
	case <-time.After(time.Second):
		t.Fatal("remount did not re-emit the summary")
	}
	assert.Equal(t, accepted, f.server.Accepted(), "finished remount must not reopen a transport")
	assert.Zero(t, f.fetcher.calls.Load(), "held final score needs no fetch")
}

func TestController_TimeoutIsDisplayOnly(t *testing.T) {
	f := newFixture(t, &fakeFetcher{})
	f.start(t)

	f.server.Push(t, questionFrame(7, 0))
	f.waitPhase(t, PhaseInQuestion)
	f.server.Push(t, `{"type":"match:timeout","data":{"question_index":0,"message":"time up"}}`)

	testutil.WaitFor(t, time.Second, func() bool { return f.ctrl.Snapshot().TimedOut })
	assert.Equal(t, PhaseInQuestion, f.ctrl.Phase())
}

func TestController_OpponentAnswered(t *testing.T) {
	f := newFixture(t, &fakeFetcher{})
	f.start(t)

	f.server.Push(t, questionFrame(7, 0))
	f.waitPhase(t, PhaseInQuestion)
	f.server.Push(t, `{"type":"match:opponent_answered"}`)

	testutil.WaitFor(t, time.Second, func() bool {
		return f.ctrl.Snapshot().Opponent == ActivityAnswered
	})
}
