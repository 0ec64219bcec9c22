package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidEventTypes(t *testing.T) {
	assert.True(t, ValidEventTypes[EventRouteTask])
	assert.True(t, ValidEventTypes[EventAgentRestartFailed])
	assert.False(t, ValidEventTypes[EventType("BOGUS")])
}

func TestPayloadRoundTrip(t *testing.T) {
	t.Run("RouteTaskPayload", func(t *testing.T) {
		want := RouteTaskPayload{TaskID: "task-1", FromState: TaskInReview, ToState: TaskInTests}
		b, err := MarshalPayload(want)
		require.NoError(t, err)
		got, err := ParseRouteTaskPayload(b)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("EscalateTaskPayload", func(t *testing.T) {
		want := EscalateTaskPayload{TaskID: "task-2", FailureCount: 3, FailureType: "rejected", LastAgent: "cab-001"}
		b, err := MarshalPayload(want)
		require.NoError(t, err)
		got, err := ParseEscalateTaskPayload(b)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("MergeTaskPayload", func(t *testing.T) {
		want := MergeTaskPayload{TaskID: "task-3", Success: true}
		b, err := MarshalPayload(want)
		require.NoError(t, err)
		got, err := ParseMergeTaskPayload(b)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("malformed payload surfaces a decode error", func(t *testing.T) {
		_, err := ParseRouteTaskPayload([]byte("not json"))
		require.Error(t, err)
	})
}
