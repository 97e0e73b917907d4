package impersonate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	name  string
	calls *[]string
	err   error
	began []Event
	ended []Event
}

func (r *recorder) ImpersonationBegan(_ context.Context, ev Event) error {
	if r.calls != nil {
		*r.calls = append(*r.calls, "begin:"+r.name)
	}
	r.began = append(r.began, ev)
	return r.err
}

func (r *recorder) ImpersonationEnded(_ context.Context, ev Event) error {
	if r.calls != nil {
		*r.calls = append(*r.calls, "end:"+r.name)
	}
	r.ended = append(r.ended, ev)
	return r.err
}

func TestSignalsDeliverInConnectionOrder(t *testing.T) {
	var calls []string
	s := NewSignals()
	s.Connect("a", &recorder{name: "a", calls: &calls})
	s.Connect("b", &recorder{name: "b", calls: &calls})

	require.NoError(t, s.SendBegin(context.Background(), Event{SessionKey: "k"}))
	require.NoError(t, s.SendEnd(context.Background(), Event{SessionKey: "k"}))

	assert.Equal(t, []string{"begin:a", "begin:b", "end:a", "end:b"}, calls)
	assert.Equal(t, []string{"a", "b"}, s.Receivers())
}

func TestSignalsFailingReceiverDoesNotStopOthers(t *testing.T) {
	boom := errors.New("boom")
	failing := &recorder{name: "failing", err: boom}
	after := &recorder{name: "after"}

	s := NewSignals()
	s.Connect("failing", failing)
	s.Connect("after", after)

	err := s.SendBegin(context.Background(), Event{SessionKey: "k"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing")
	assert.Len(t, after.began, 1)
}

func TestSignalsConnectReplacesAndDisconnects(t *testing.T) {
	first := &recorder{name: "first"}
	second := &recorder{name: "second"}

	s := NewSignals()
	s.Connect("log", first)
	s.Connect("log", second)
	assert.Equal(t, []string{"log"}, s.Receivers())

	require.NoError(t, s.SendBegin(context.Background(), Event{}))
	assert.Empty(t, first.began)
	assert.Len(t, second.began, 1)

	assert.True(t, s.Disconnect("log"))
	assert.False(t, s.Disconnect("log"))
	require.NoError(t, s.SendBegin(context.Background(), Event{}))
	assert.Len(t, second.began, 1)
}
