package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

func TestRunState_BufferAppendsWithoutDedup(t *testing.T) {
	s := NewRunState()
	s.BufferInput("B", 0, 0, schema.Items{"x"})
	s.BufferInput("B", 0, 0, schema.Items{"x"})

	in := s.TakeInputs("B", 0)
	require.Len(t, in, 1)
	assert.Equal(t, schema.Items{"x", "x"}, in[0])
}

func TestRunState_TakeClears(t *testing.T) {
	s := NewRunState()
	s.BufferInput("B", 0, 1, schema.Items{"y"})
	s.BufferInput("B", 0, 0, schema.Items{"x"})

	in := s.TakeInputs("B", 0)
	assert.Equal(t, schema.PortData{{"x"}, {"y"}}, in)
	assert.Empty(t, s.TakeInputs("B", 0))
}

func TestRunState_NegativePortIgnored(t *testing.T) {
	s := NewRunState()
	s.BufferInput("B", 0, -1, schema.Items{"x"})
	assert.Empty(t, s.TakeInputs("B", 0))
}

func TestRunState_IsReady(t *testing.T) {
	t.Run("single input always ready", func(t *testing.T) {
		s := NewRunState()
		assert.True(t, s.IsReady("B", 0, 1, JoinStarve))
		assert.True(t, s.IsReady("B", 0, 0, JoinStarve))
	})

	t.Run("starve needs data on every port", func(t *testing.T) {
		s := NewRunState()
		s.BufferInput("J", 0, 0, schema.Items{"a"})
		assert.False(t, s.IsReady("J", 0, 2, JoinStarve))
		s.BufferInput("J", 0, 1, schema.Items{})
		assert.False(t, s.IsReady("J", 0, 2, JoinStarve))
		s.BufferInput("J", 0, 1, schema.Items{"b"})
		assert.True(t, s.IsReady("J", 0, 2, JoinStarve))
	})

	t.Run("fill empty counts any arrival", func(t *testing.T) {
		s := NewRunState()
		s.BufferInput("J", 0, 0, schema.Items{"a"})
		assert.False(t, s.IsReady("J", 0, 2, JoinFillEmpty))
		s.BufferInput("J", 0, 1, schema.Items{})
		assert.True(t, s.IsReady("J", 0, 2, JoinFillEmpty))
	})

	t.Run("run indexes are separate joins", func(t *testing.T) {
		s := NewRunState()
		s.BufferInput("J", 0, 0, schema.Items{"a"})
		s.BufferInput("J", 1, 1, schema.Items{"b"})
		assert.False(t, s.IsReady("J", 0, 2, JoinStarve))
		assert.False(t, s.IsReady("J", 1, 2, JoinStarve))
	})
}

func TestRunState_DeliverEmptyItems(t *testing.T) {
	t.Run("single input is ready on an empty arrival", func(t *testing.T) {
		s := NewRunState()
		run, in, ok := s.Deliver("B", 0, 0, schema.Items{}, 1, JoinStarve)
		require.True(t, ok)
		assert.Equal(t, RunIndex(0), run)
		require.Len(t, in, 1)
		assert.Empty(t, in[0])
		assert.Empty(t, s.Pending())
	})

	t.Run("join starves on an empty arrival", func(t *testing.T) {
		s := NewRunState()
		_, _, ok := s.Deliver("J", 0, 0, schema.Items{"a"}, 2, JoinStarve)
		assert.False(t, ok)
		_, _, ok = s.Deliver("J", 0, 1, nil, 2, JoinStarve)
		assert.False(t, ok)
		assert.Equal(t, []PendingJoin{{NodeID: "J", RunIndex: 0, Arrived: []int{0, 1}}}, s.Pending())
	})

	t.Run("fill empty counts the arrival", func(t *testing.T) {
		s := NewRunState()
		_, _, ok := s.Deliver("J", 0, 0, schema.Items{"a"}, 2, JoinFillEmpty)
		assert.False(t, ok)
		_, in, ok := s.Deliver("J", 0, 1, nil, 2, JoinFillEmpty)
		require.True(t, ok)
		assert.Equal(t, schema.Items{"a"}, in[0])
		assert.Empty(t, in[1])
		assert.Empty(t, s.Pending())
	})
}

func TestRunState_DeliverMovesToNextRun(t *testing.T) {
	s := NewRunState()

	run, in, ok := s.Deliver("B", 0, 0, schema.Items{"first"}, 1, JoinStarve)
	require.True(t, ok)
	assert.Equal(t, RunIndex(0), run)
	assert.Equal(t, schema.PortData{{"first"}}, in)

	run, in, ok = s.Deliver("B", 0, 0, schema.Items{"second"}, 1, JoinStarve)
	require.True(t, ok)
	assert.Equal(t, RunIndex(1), run)
	assert.Equal(t, schema.PortData{{"second"}}, in)
}

func TestRunState_DeliverConcurrentJoinDispatchesOnce(t *testing.T) {
	for range 50 {
		s := NewRunState()
		var wg sync.WaitGroup
		var mu sync.Mutex
		ready := 0
		for port := range 4 {
			wg.Add(1)
			go func(port int) {
				defer wg.Done()
				if _, _, ok := s.Deliver("J", 0, port, schema.Items{port}, 4, JoinStarve); ok {
					mu.Lock()
					ready++
					mu.Unlock()
				}
			}(port)
		}
		wg.Wait()
		assert.Equal(t, 1, ready)
	}
}

func TestRunState_ResolveRunIndex(t *testing.T) {
	s := NewRunState()
	assert.Equal(t, RunIndex(0), s.ResolveRunIndex("A", 0))
	s.Claim("A", 0)
	s.Claim("A", 1)
	assert.Equal(t, RunIndex(2), s.ResolveRunIndex("A", 0))
	assert.Equal(t, RunIndex(5), s.ResolveRunIndex("A", 5))
}

func TestRunState_RecordAndSnapshot(t *testing.T) {
	s := NewRunState()
	s.RecordOutput("A", 0, schema.PortData{{"x"}})
	s.RecordOutput("A", 1, schema.PortData{{"y"}})
	s.RecordOutput("A", 1, schema.PortData{{"z"}})

	snap := s.Snapshot()
	assert.Equal(t, schema.PortData{{"x"}}, snap["A"][0])
	assert.Equal(t, schema.PortData{{"z"}}, snap["A"][1])

	// Snapshot is detached from the state.
	snap["A"][0][0][0] = "mutated"
	assert.Equal(t, schema.PortData{{"x"}}, s.Snapshot()["A"][0])
	assert.NotContains(t, s.Snapshot(), "missing")
}

func TestRunState_Pending(t *testing.T) {
	s := NewRunState()
	s.BufferInput("J", 0, 1, schema.Items{"b"})
	s.BufferInput("A", 2, 0, schema.Items{"a"})
	s.BufferInput("D", 0, 0, schema.Items{"d"})
	s.Claim("D", 0)

	pending := s.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, PendingJoin{NodeID: "A", RunIndex: 2, Arrived: []int{0}}, pending[0])
	assert.Equal(t, PendingJoin{NodeID: "J", RunIndex: 0, Arrived: []int{1}}, pending[1])
}

func TestParseJoinPolicy(t *testing.T) {
	assert.Equal(t, JoinFillEmpty, ParseJoinPolicy("fill_empty"))
	assert.Equal(t, JoinStarve, ParseJoinPolicy("starve"))
	assert.Equal(t, JoinStarve, ParseJoinPolicy(""))
	assert.Equal(t, JoinStarve, ParseJoinPolicy("bogus"))
}
