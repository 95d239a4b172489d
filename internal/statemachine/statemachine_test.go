package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to LocalStatus
		valid    bool
	}{
		{StatusCreated, StatusActive, true},
		{StatusActive, StatusSpecReady, true},
		{StatusSpecReady, StatusImplementingPrep, true},
		{StatusImplementingPrep, StatusImplementing, true},
		{StatusImplementing, StatusReviewReady, true},
		{StatusReviewReady, StatusMergeReady, true},
		{StatusVerified, StatusDone, true},
		{StatusMergeReady, StatusDone, true},
		{StatusHold, StatusActive, true},

		{StatusCreated, StatusDone, false},
		{StatusActive, StatusCreated, false},
		{StatusDone, StatusActive, false},
		{StatusKilled, StatusActive, false},
		{StatusSpecReady, StatusActive, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.valid, IsValid(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTerminalStatesHaveNoTargets(t *testing.T) {
	assert.Empty(t, TargetsFrom(StatusDone))
	assert.Empty(t, TargetsFrom(StatusKilled))
	assert.True(t, IsTerminal(StatusDone))
	assert.True(t, IsTerminal(StatusKilled))
	assert.False(t, IsTerminal(StatusHold))
}

func TestUnknownStatesBlock(t *testing.T) {
	assert.False(t, IsValid("BOGUS", StatusActive))
	assert.False(t, IsValid(StatusActive, "BOGUS"))
	assert.False(t, IsKnown("BOGUS"))
}

func TestAnyNonTerminalCanReachHoldAndKilled(t *testing.T) {
	for _, from := range []LocalStatus{
		StatusCreated, StatusActive, StatusSpecReady, StatusImplementingPrep,
		StatusImplementing, StatusReviewReady, StatusVerified, StatusMergeReady,
	} {
		assert.True(t, IsValid(from, StatusHold), "%s -> HOLD", from)
		assert.True(t, IsValid(from, StatusKilled), "%s -> KILLED", from)
	}
}

func TestMirrorToLocal(t *testing.T) {
	cases := map[MirrorStatus]LocalStatus{
		MirrorTodo:       StatusSpecReady,
		MirrorInProgress: StatusImplementing,
		MirrorInReview:   StatusMergeReady,
		MirrorDone:       StatusDone,
		MirrorBlocked:    StatusHold,
	}
	for mirror, want := range cases {
		got, ok := MirrorToLocal(mirror)
		require.True(t, ok, "%s should map", mirror)
		assert.Equal(t, want, got)
	}

	for _, mirror := range []MirrorStatus{MirrorOpen, MirrorClosed, MirrorError, MirrorUnknown} {
		_, ok := MirrorToLocal(mirror)
		assert.False(t, ok, "%s should have no opinion", mirror)
	}
}

func TestEffectiveStatusPrecedence(t *testing.T) {
	// A running execution pins the local status.
	assert.Equal(t, StatusImplementing,
		EffectiveStatus(StatusImplementing, MirrorDone, ExecRunning))

	// Otherwise a mapped mirror status wins.
	assert.Equal(t, StatusDone,
		EffectiveStatus(StatusImplementing, MirrorDone, ExecIdle))
	assert.Equal(t, StatusHold,
		EffectiveStatus(StatusActive, MirrorBlocked, ExecIdle))

	// Unmapped mirror statuses fall through to local.
	assert.Equal(t, StatusActive,
		EffectiveStatus(StatusActive, MirrorClosed, ExecIdle))
	assert.Equal(t, StatusActive,
		EffectiveStatus(StatusActive, MirrorUnknown, ExecIdle))
}

func TestClosedStateNeverMeansDone(t *testing.T) {
	// A bare "closed" issue state must not be treated as completion.
	status := ExtractMirrorStatus("", nil, "closed")
	assert.Equal(t, MirrorClosed, status)
	_, ok := MirrorToLocal(status)
	assert.False(t, ok)

	// An explicit project status or label is the completion signal.
	assert.Equal(t, MirrorDone, ExtractMirrorStatus("Done", nil, "closed"))
	assert.Equal(t, MirrorDone, ExtractMirrorStatus("", []string{"status:done"}, "closed"))
}

func TestExtractMirrorStatusPriority(t *testing.T) {
	// Project status beats labels, labels beat raw state.
	assert.Equal(t, MirrorInReview,
		ExtractMirrorStatus("In Review", []string{"status:in-progress"}, "open"))
	assert.Equal(t, MirrorInProgress,
		ExtractMirrorStatus("", []string{"status:in-progress"}, "open"))
	assert.Equal(t, MirrorOpen, ExtractMirrorStatus("", nil, "open"))
}

func TestStatusLabelsRoundTrip(t *testing.T) {
	labels := StatusLabels(StatusImplementing)
	require.NotEmpty(t, labels)
	got := ExtractMirrorStatus("", labels, "open")
	mapped, ok := MirrorToLocal(got)
	require.True(t, ok)
	assert.Equal(t, StatusImplementing, mapped)
}
