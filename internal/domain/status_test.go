package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityRank(t *testing.T) {
	assert.Less(t, PriorityP1.Rank(), PriorityP2.Rank())
	assert.Less(t, PriorityP2.Rank(), PriorityP3.Rank())
	assert.Equal(t, 99, Priority("bogus").Rank())
}

func TestEnumValid(t *testing.T) {
	assert.True(t, FeatureReady.Valid())
	assert.False(t, FeatureStatus("bogus").Valid())

	assert.True(t, ConvoyBlocked.Valid())
	assert.False(t, ConvoyStatus("bogus").Valid())

	assert.True(t, TaskInTests.Valid())
	assert.False(t, TaskStatus("bogus").Valid())

	assert.True(t, EventPending.Valid())
	assert.False(t, EventStatus("bogus").Valid())

	assert.True(t, AgentRefinery.Valid())
	assert.False(t, AgentType("bogus").Valid())

	assert.True(t, SessionHung.Valid())
	assert.False(t, SessionStatus("bogus").Valid())
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.True(t, TaskDone.Terminal())
	assert.False(t, TaskInProgress.Terminal())
}
