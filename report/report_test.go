package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/nvr-ai/go-lbsp/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	run := store.Run{ID: "run-42", Model: "pawcs", Source: "highway"}
	frames := []store.FrameStat{
		{Index: 0, Activity: "idle", ApplyDuration: time.Millisecond},
		{Index: 1, ForegroundRatio: 0.3, MotionScore: 0.4, Activity: "motion", ApplyDuration: 2 * time.Millisecond, MovingCamera: true},
	}
	events := []store.Event{{FrameIndex: 1, From: "idle", To: "motion", Score: 0.4}}

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, run, frames, events))

	html := buf.String()
	assert.Contains(t, html, "<html")
	assert.Contains(t, html, "pawcs on highway")
	assert.Contains(t, html, "run=run-42 frames=2")
	assert.Contains(t, html, "foreground ratio")
	assert.Contains(t, html, "Activity switches")
}

func TestRenderWithoutFrames(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, store.Run{ID: "empty"}, nil, nil)
	assert.ErrorContains(t, err, "no frames")
	assert.Zero(t, buf.Len())
}

func TestFrameAxis(t *testing.T) {
	assert.Equal(t, []string{"3", "7"}, frameAxis([]store.FrameStat{{Index: 3}, {Index: 7}}))
}
