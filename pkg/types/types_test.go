package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVersionOrdering(t *testing.T) {
	tests := []struct {
		name string
		a, b Version
		want int
	}{
		{"counter dominates", Version{5, "z"}, Version{6, "a"}, -1},
		{"machine id breaks ties", Version{6, "A"}, Version{6, "B"}, -1},
		{"equal", Version{6, "B"}, Version{6, "B"}, 0},
		{"greater counter", Version{7, "a"}, Version{6, "z"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
			assert.Equal(t, tt.want < 0, tt.a.Less(tt.b))
		})
	}
}

func TestLevelForScore(t *testing.T) {
	tests := []struct {
		score float64
		want  ConfidenceLevel
	}{
		{0.90, ConfidenceVeryHigh},
		{0.85, ConfidenceVeryHigh},
		{0.84, ConfidenceHigh},
		{0.70, ConfidenceHigh},
		{0.60, ConfidenceMedium},
		{0.55, ConfidenceMedium},
		{0.45, ConfidenceLow},
		{0.40, ConfidenceLow},
		{0.39, ConfidenceVeryLow},
		{0.0, ConfidenceVeryLow},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelForScore(tt.score), "score %.2f", tt.score)
	}
}

func TestNormalizeTags(t *testing.T) {
	assert.Nil(t, NormalizeTags(nil))
	assert.Nil(t, NormalizeTags([]string{"", "   "}))
	assert.Equal(t,
		[]string{"elasticsearch", "oom"},
		NormalizeTags([]string{"OOM", "elasticsearch", "oom", " elasticsearch "}))
}

func TestValidCategory(t *testing.T) {
	for _, c := range Categories() {
		assert.True(t, ValidCategory(c))
	}
	assert.False(t, ValidCategory("gossip"))
	assert.False(t, ValidCategory(""))
}

func TestMemoryClone(t *testing.T) {
	now := time.Now()
	m := &Memory{
		ID:         "a:01",
		Tags:       []string{"one"},
		DeletedAt:  &now,
		Extensions: map[string]json.RawMessage{"k": json.RawMessage(`{"v":1}`)},
		ShadowHistory: []ShadowEntry{
			{Content: "old", Version: Version{1, "a"}},
		},
	}

	c := m.Clone()
	c.Tags[0] = "two"
	c.Extensions["k"] = json.RawMessage(`{}`)
	c.ShadowHistory[0].Content = "changed"
	*c.DeletedAt = now.Add(time.Hour)

	assert.Equal(t, "one", m.Tags[0])
	assert.Equal(t, json.RawMessage(`{"v":1}`), m.Extensions["k"])
	assert.Equal(t, "old", m.ShadowHistory[0].Content)
	assert.True(t, m.DeletedAt.Equal(now))
}

func TestAgentCapabilities(t *testing.T) {
	a := &Agent{Capabilities: []string{"elasticsearch_ops", "linux", "docker"}}

	assert.True(t, a.HasCapabilities(nil))
	assert.True(t, a.HasCapabilities([]string{"linux"}))
	assert.True(t, a.HasCapabilities([]string{"linux", "docker"}))
	assert.False(t, a.HasCapabilities([]string{"linux", "windows"}))
	assert.Equal(t, 2, a.CapabilityOverlap([]string{"linux", "windows", "docker"}))
}

func TestTaskStateTerminal(t *testing.T) {
	terminal := []TaskState{TaskStateDone, TaskStateFailed, TaskStateExpired, TaskStateCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []TaskState{TaskStatePending, TaskStateAssigned, TaskStateInProgress} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestChangeAccessors(t *testing.T) {
	mem := &Memory{ID: "a:01", Version: Version{3, "a"}}
	c := Change{Kind: ChangeCreate, Memory: mem}
	assert.Equal(t, "a:01", c.ID())
	assert.Equal(t, Version{3, "a"}, c.ChangeVersion())
	assert.Equal(t, "a", c.Origin())

	tb := Change{Kind: ChangePurge, Tombstone: &Tombstone{ID: "b:02", Version: Version{9, "b"}}}
	assert.Equal(t, "b:02", tb.ID())
	assert.Equal(t, "b", tb.Origin())

	assert.Equal(t, "", Change{}.ID())
}
