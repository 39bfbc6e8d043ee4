package domain_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/haggle/internal/domain"
)

func submit(amount float64) domain.Event {
	return domain.Event{Kind: domain.EventSubmit, Amount: amount}
}

func counter(amount float64, msg string) domain.Event {
	return domain.Event{Kind: domain.EventMessage, Amount: amount, Message: msg}
}

func accepted(final float64) domain.Event {
	return domain.Event{Kind: domain.EventAccepted, Amount: final}
}

func rejected(msg string) domain.Event {
	return domain.Event{Kind: domain.EventRejected, Message: msg}
}

func mustApply(t *testing.T, s domain.Session, ev domain.Event) domain.Session {
	t.Helper()

	next, changed := s.Apply(ev)
	require.True(t, changed, "event %s must change session in status %s", ev.Kind, s.Status)
	return next
}

// sessionIn drives a fresh session into the requested status through valid events.
func sessionIn(t *testing.T, status domain.Status) domain.Session {
	t.Helper()

	s := domain.NewSession("p1", "b1", 50000)
	switch status {
	case domain.StatusUninitiated:
		return s
	case domain.StatusAwaitingResponse:
		return mustApply(t, s, submit(40000))
	case domain.StatusCountered:
		s = mustApply(t, s, submit(40000))
		return mustApply(t, s, counter(45000, "Je peux faire 45000"))
	case domain.StatusAccepted:
		s = mustApply(t, s, submit(40000))
		return mustApply(t, s, accepted(40000))
	case domain.StatusRejected:
		s = mustApply(t, s, submit(10000))
		return mustApply(t, s, rejected("non"))
	default:
		t.Fatalf("unsupported status %s", status)
		return s
	}
}

// ---------------------------------------------------------------------------
// 1. Transition table.
// ---------------------------------------------------------------------------

func TestSession_Apply_TransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from        domain.Status
		event       domain.Event
		want        domain.Status
		wantChanged bool
	}{
		{domain.StatusUninitiated, submit(40000), domain.StatusAwaitingResponse, true},
		{domain.StatusUninitiated, counter(45000, ""), domain.StatusUninitiated, false},
		{domain.StatusUninitiated, accepted(45000), domain.StatusUninitiated, false},
		{domain.StatusUninitiated, rejected(""), domain.StatusUninitiated, false},

		{domain.StatusAwaitingResponse, counter(45000, ""), domain.StatusCountered, true},
		{domain.StatusAwaitingResponse, accepted(45000), domain.StatusAccepted, true},
		{domain.StatusAwaitingResponse, rejected(""), domain.StatusRejected, true},
		{domain.StatusAwaitingResponse, submit(41000), domain.StatusAwaitingResponse, false},

		{domain.StatusCountered, counter(44000, ""), domain.StatusCountered, true},
		{domain.StatusCountered, accepted(45000), domain.StatusAccepted, true},
		{domain.StatusCountered, rejected(""), domain.StatusRejected, true},
		{domain.StatusCountered, submit(45000), domain.StatusAwaitingResponse, true},

		{domain.StatusAccepted, submit(1), domain.StatusAccepted, false},
		{domain.StatusAccepted, counter(1, ""), domain.StatusAccepted, false},
		{domain.StatusAccepted, accepted(1), domain.StatusAccepted, false},
		{domain.StatusAccepted, rejected(""), domain.StatusAccepted, false},

		{domain.StatusRejected, submit(1), domain.StatusRejected, false},
		{domain.StatusRejected, counter(1, ""), domain.StatusRejected, false},
		{domain.StatusRejected, accepted(1), domain.StatusRejected, false},
		{domain.StatusRejected, rejected(""), domain.StatusRejected, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"+"+string(tt.event.Kind), func(t *testing.T) {
			t.Parallel()

			s := sessionIn(t, tt.from)
			before := len(s.History)

			next, changed := s.Apply(tt.event)
			assert.Equal(t, tt.wantChanged, changed)
			assert.Equal(t, tt.want, next.Status)
			if tt.wantChanged {
				assert.Len(t, next.History, before+1)
			} else {
				assert.Len(t, next.History, before)
			}
		})
	}
}

func TestSession_Apply_UnknownKind(t *testing.T) {
	t.Parallel()

	s := sessionIn(t, domain.StatusAwaitingResponse)
	next, changed := s.Apply(domain.Event{Kind: "typing"})
	assert.False(t, changed)
	assert.Equal(t, s.Status, next.Status)
}

// ---------------------------------------------------------------------------
// 2. Offer contents.
// ---------------------------------------------------------------------------

func TestSession_Apply_OfferContents(t *testing.T) {
	t.Parallel()

	t.Run("buyer submit", func(t *testing.T) {
		t.Parallel()

		s := mustApply(t, domain.NewSession("p1", "b1", 50000), domain.Event{
			Kind: domain.EventSubmit, Amount: 40000, Message: "40000 ?",
		})
		require.Len(t, s.History, 1)
		o := s.History[0]
		assert.Equal(t, domain.OriginBuyer, o.Origin)
		assert.InDelta(t, 40000, o.Amount, 0.0001)
		assert.Equal(t, "40000 ?", o.Message)
		assert.False(t, o.IsTerminal)
		assert.False(t, o.Timestamp.IsZero())
	})

	t.Run("counter without price", func(t *testing.T) {
		t.Parallel()

		s := mustApply(t, sessionIn(t, domain.StatusAwaitingResponse), counter(0, "Let me think"))
		last := s.History[len(s.History)-1]
		assert.Equal(t, domain.OriginCounterparty, last.Origin)
		assert.False(t, last.HasAmount())
		assert.Equal(t, "Let me think", last.Message)
	})

	t.Run("rejection has no amount", func(t *testing.T) {
		t.Parallel()

		s := mustApply(t, sessionIn(t, domain.StatusCountered), domain.Event{
			Kind: domain.EventRejected, Amount: 123, Message: "no",
		})
		last := s.History[len(s.History)-1]
		assert.True(t, last.IsTerminal)
		assert.False(t, last.HasAmount())
		assert.Nil(t, s.FinalPrice)
	})

	t.Run("acceptance sets final price", func(t *testing.T) {
		t.Parallel()

		s := mustApply(t, sessionIn(t, domain.StatusCountered), accepted(45000))
		last := s.History[len(s.History)-1]
		assert.True(t, last.IsTerminal)
		require.NotNil(t, s.FinalPrice)
		assert.InDelta(t, 45000, *s.FinalPrice, 0.0001)
		assert.InDelta(t, 45000, last.Amount, 0.0001)
	})

	t.Run("acceptance without price falls back to last buyer offer", func(t *testing.T) {
		t.Parallel()

		s := mustApply(t, sessionIn(t, domain.StatusAwaitingResponse), accepted(0))
		require.NotNil(t, s.FinalPrice)
		assert.InDelta(t, 40000, *s.FinalPrice, 0.0001)
	})

	t.Run("non-positive submit is ignored", func(t *testing.T) {
		t.Parallel()

		for _, amount := range []float64{0, -5, math.NaN(), math.Inf(1)} {
			s := domain.NewSession("p1", "b1", 50000)
			next, changed := s.Apply(submit(amount))
			assert.False(t, changed)
			assert.Equal(t, domain.StatusUninitiated, next.Status)
			assert.Empty(t, next.History)
		}
	})
}

// ---------------------------------------------------------------------------
// 3. History is append-only and timestamps do not go backwards.
// ---------------------------------------------------------------------------

func TestSession_Apply_DoesNotMutatePrevious(t *testing.T) {
	t.Parallel()

	s1 := sessionIn(t, domain.StatusCountered)
	snapshot := s1.Clone()

	s2 := mustApply(t, s1, submit(45000))
	s3 := mustApply(t, s2, accepted(45000))

	assert.Equal(t, snapshot, s1, "earlier session value must be unchanged")
	assert.Len(t, s2.History, 3)
	assert.Len(t, s3.History, 4)
	assert.Equal(t, s2.History, s3.History[:3])
}

func TestSession_Apply_MonotonicTimestamps(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := domain.NewSession("p1", "b1", 50000)
	s = mustApply(t, s, domain.Event{Kind: domain.EventSubmit, Amount: 40000, At: now})
	s = mustApply(t, s, domain.Event{Kind: domain.EventMessage, Amount: 45000, At: now.Add(-time.Minute)})

	require.Len(t, s.History, 2)
	assert.False(t, s.History[1].Timestamp.Before(s.History[0].Timestamp))
}

// ---------------------------------------------------------------------------
// 4. Properties: terminal absorption and finalPrice iff accepted.
// ---------------------------------------------------------------------------

func TestSession_TerminalAbsorbs(t *testing.T) {
	t.Parallel()

	events := []domain.Event{submit(1), counter(2, "x"), accepted(30000), rejected("y")}

	for _, status := range []domain.Status{domain.StatusAccepted, domain.StatusRejected} {
		t.Run(string(status), func(t *testing.T) {
			t.Parallel()

			s := sessionIn(t, status)
			before := s.Clone()
			for _, ev := range events {
				var changed bool
				s, changed = s.Apply(ev)
				assert.False(t, changed)
			}
			assert.Equal(t, before, s)
		})
	}
}

func TestSession_FinalPriceIffAccepted(t *testing.T) {
	t.Parallel()

	statuses := []domain.Status{
		domain.StatusUninitiated,
		domain.StatusAwaitingResponse,
		domain.StatusCountered,
		domain.StatusAccepted,
		domain.StatusRejected,
	}

	for _, status := range statuses {
		t.Run(string(status), func(t *testing.T) {
			t.Parallel()

			s := sessionIn(t, status)
			assert.Equal(t, status == domain.StatusAccepted, s.FinalPrice != nil)
		})
	}
}

func TestSession_HistoryCountsAppliedEvents(t *testing.T) {
	t.Parallel()

	seq := []domain.Event{
		submit(40000),
		counter(46000, ""),
		submit(43000),
		counter(45000, ""),
		submit(45000),
		accepted(45000),
		accepted(30000),
		rejected(""),
		submit(1000),
	}

	s := domain.NewSession("p1", "b1", 50000)
	applied := 0
	for _, ev := range seq {
		var changed bool
		s, changed = s.Apply(ev)
		if changed {
			applied++
		}
	}

	assert.Equal(t, 6, applied)
	assert.Len(t, s.History, applied)
	require.NotNil(t, s.FinalPrice)
	assert.InDelta(t, 45000, *s.FinalPrice, 0.0001)
}

func TestValidateAmount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		amount  float64
		wantErr bool
	}{
		{"positive", 40000, false},
		{"fraction", 0.5, false},
		{"zero", 0, true},
		{"negative", -1, true},
		{"NaN", math.NaN(), true},
		{"+Inf", math.Inf(1), true},
		{"-Inf", math.Inf(-1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := domain.ValidateAmount(tt.amount)
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrInvalidOffer)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSession_Clone(t *testing.T) {
	t.Parallel()

	s := sessionIn(t, domain.StatusAccepted)
	c := s.Clone()

	c.History[0].Message = "changed"
	*c.FinalPrice = 1

	assert.NotEqual(t, "changed", s.History[0].Message)
	assert.InDelta(t, 40000, *s.FinalPrice, 0.0001)
}

// ---------------------------------------------------------------------------
// Refusals and transport failures.
// ---------------------------------------------------------------------------

func refused(msg string) domain.Event {
	return domain.Event{Kind: domain.EventRefused, Message: msg}
}

func TestSession_Apply_RefusedDropsPendingOffer(t *testing.T) {
	t.Parallel()

	countered := sessionIn(t, domain.StatusCountered)
	awaiting := mustApply(t, countered, submit(44000))

	next := mustApply(t, awaiting, refused("previous offer is still awaiting a reply"))
	assert.Equal(t, domain.StatusCountered, next.Status)
	assert.Equal(t, countered.History, next.History)
	assert.Equal(t, "previous offer is still awaiting a reply", next.Notice)
	assert.Len(t, awaiting.History, 3, "the previous session keeps its history")

	// The next offer clears the notice.
	again := mustApply(t, next, submit(44500))
	assert.Empty(t, again.Notice)
	assert.Equal(t, domain.StatusAwaitingResponse, again.Status)
}

func TestSession_Apply_RefusedFirstOfferReturnsToUninitiated(t *testing.T) {
	t.Parallel()

	s := sessionIn(t, domain.StatusAwaitingResponse)
	next := mustApply(t, s, refused("internal error"))
	assert.Equal(t, domain.StatusUninitiated, next.Status)
	assert.Empty(t, next.History)
}

func TestSession_Apply_RefusedIgnoredOutsideAwaiting(t *testing.T) {
	t.Parallel()

	for _, status := range []domain.Status{
		domain.StatusUninitiated,
		domain.StatusCountered,
		domain.StatusAccepted,
		domain.StatusRejected,
	} {
		s := sessionIn(t, status)
		next, changed := s.Apply(refused("negotiation is closed"))
		assert.False(t, changed, string(status))
		assert.Equal(t, status, next.Status)
		assert.Empty(t, next.Notice)
	}
}

func TestSession_Apply_FailedIsNotASessionTransition(t *testing.T) {
	t.Parallel()

	s := sessionIn(t, domain.StatusAwaitingResponse)
	_, changed := s.Apply(domain.Event{Kind: domain.EventFailed, Err: domain.ErrAuthentication})
	assert.False(t, changed)
}
