package meta

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskManagerRunsToCompletionOverATree(t *testing.T) {
	m := NewTaskManager()
	m.batchSize = 2 // force multiple Execute calls over a small tree

	// tree: root(1) -> {2, 3}; 2 -> {4}
	tree := map[Ino][]Ino{
		1: {2, 3},
		2: {4},
		3: {},
		4: {},
	}

	var finalStats TaskStats
	id := m.Submit(TaskSetGoal, 1, 5, func(s TaskStats) { finalStats = s })

	visit := func(ino Ino) (changed bool, permitted bool, children []Ino) {
		return true, true, tree[ino]
	}

	for m.Execute(id, visit) {
	}

	assert.EqualValues(t, 4, finalStats.Changed)
	task, ok := m.Get(id)
	assert.True(t, ok)
	assert.True(t, task.Done)
}

func TestTaskManagerDeniedNodesStillDescend(t *testing.T) {
	m := NewTaskManager()
	tree := map[Ino][]Ino{1: {2}, 2: {}}

	id := m.Submit(TaskSetTrashTime, 1, 3600, nil)
	visit := func(ino Ino) (changed bool, permitted bool, children []Ino) {
		if ino == 1 {
			return false, false, tree[ino]
		}
		return true, true, tree[ino]
	}
	for m.Execute(id, visit) {
	}

	task, _ := m.Get(id)
	assert.EqualValues(t, 1, task.Stats.NotPermitted)
	assert.EqualValues(t, 1, task.Stats.Changed)
}
