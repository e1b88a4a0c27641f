package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.StartRun(ctx, "pawcs", "highway/input", "")
	require.NoError(t, err)

	run, err := s.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "pawcs", run.Model)
	assert.Equal(t, "highway/input", run.Source)
	assert.Equal(t, "{}", run.Config)
	assert.True(t, run.Ended.IsZero())
	assert.Empty(t, run.Summary)

	require.NoError(t, s.EndRun(ctx, id, `{"f_measure":0.9}`))
	run, err = s.Run(ctx, id)
	require.NoError(t, err)
	assert.False(t, run.Ended.Before(run.Started))
	assert.Equal(t, `{"f_measure":0.9}`, run.Summary)

	assert.Error(t, s.EndRun(ctx, "missing", "{}"))
	_, err = s.Run(ctx, "missing")
	assert.Error(t, err)
}

func TestFramesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.StartRun(ctx, "lobster", "cam0", `{"model":"lobster"}`)
	require.NoError(t, err)
	other, err := s.StartRun(ctx, "lobster", "cam1", "")
	require.NoError(t, err)

	start := time.Unix(1700000000, 0)
	frames := []FrameStat{
		{Index: 1, Timestamp: start.Add(40 * time.Millisecond), ForegroundRatio: 0.1, MotionScore: 0.2, Blobs: 2, Activity: "motion", ApplyDuration: 3 * time.Millisecond},
		{Index: 0, Timestamp: start, Activity: "idle", ApplyDuration: time.Millisecond, MovingCamera: true},
	}
	require.NoError(t, s.RecordFrames(ctx, id, frames))
	require.NoError(t, s.RecordFrames(ctx, other, frames[:1]))

	got, err := s.Frames(ctx, id)
	require.NoError(t, err)
	want := []FrameStat{frames[1], frames[0]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}

	// duplicate frame index
	assert.Error(t, s.RecordFrames(ctx, other, frames[:1]))
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.StartRun(ctx, "subsense", "cam0", "")
	require.NoError(t, err)

	require.NoError(t, s.RecordEvent(ctx, id, Event{FrameIndex: 9, From: "motion", To: "idle", Score: 0.01}))
	require.NoError(t, s.RecordEvent(ctx, id, Event{FrameIndex: 3, From: "idle", To: "motion", Score: 0.4}))

	events, err := s.Events(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 3, events[0].FrameIndex)
	assert.Equal(t, "idle", events[1].To)

	assert.Error(t, s.RecordEvent(ctx, "no-such-run", Event{}), "foreign keys are enforced")
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.StartRun(context.Background(), "pawcs", "mem", "")
	assert.NoError(t, err)
}
