package meta

import "sync"

// TaskStats accumulates the outcome of one batch step of a task (§4.9):
// how many inodes it touched, skipped because already at the target
// state, or refused for lack of permission.
type TaskStats struct {
	Changed      uint64
	NotChanged   uint64
	NotPermitted uint64
}

func (s *TaskStats) add(o TaskStats) {
	s.Changed += o.Changed
	s.NotChanged += o.NotChanged
	s.NotPermitted += o.NotPermitted
}

// TaskKind distinguishes the recursive background operations §4.9
// submits as tasks rather than performing inline (they can touch an
// unbounded number of inodes and must not block the request loop).
type TaskKind uint8

const (
	TaskSetGoal TaskKind = iota
	TaskSetTrashTime
	TaskSetEattr
	TaskRemoveRecursive
)

// TaskCursor is a task's resumable position: the directory traversal
// stack still to visit. Each batch pops up to the batch size's worth of
// inodes off the top (the end of Stack).
type TaskCursor struct {
	Root  Ino
	Stack []Ino // inodes queued for visiting, LIFO
}

// Task is one in-flight recursive background operation (§4.9).
type Task struct {
	ID       uint64
	Kind     TaskKind
	Cursor   TaskCursor
	Arg      uint64 // goal id / trashtime seconds / eattr mask, by Kind
	Stats    TaskStats
	Done     bool
	Submitter func(TaskStats)
}

// defaultBatchSize is the number of inodes visited per Execute call; the
// manager keeps it fixed and does not adapt it while tasks run.
const defaultBatchSize = 1000

// TaskManager runs recursive operations (setgoal -r, settrashtime -r,
// rmr, seteattr -r) as interruptible batches interleaved with ordinary
// request handling, per §4.9's fairness scheduler.
type TaskManager struct {
	mu        sync.Mutex
	nextID    uint64
	tasks     map[uint64]*Task
	batchSize int
}

// NewTaskManager constructs an empty task manager with the default
// batch size.
func NewTaskManager() *TaskManager {
	return &TaskManager{tasks: map[uint64]*Task{}, batchSize: defaultBatchSize, nextID: 1}
}

// Submit registers a new recursive task rooted at root and returns its
// id; submitter, if non-nil, is invoked with the final accumulated
// stats once the task finishes (§4.9 "submitter callback").
func (m *TaskManager) Submit(kind TaskKind, root Ino, arg uint64, submitter func(TaskStats)) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.tasks[id] = &Task{
		ID:        id,
		Kind:      kind,
		Cursor:    TaskCursor{Root: root, Stack: []Ino{root}},
		Arg:       arg,
		Submitter: submitter,
	}
	return id
}

// Pending returns the ids of tasks not yet marked Done, in no
// particular order; the scheduler round-robins over this set.
func (m *TaskManager) Pending() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uint64
	for id, t := range m.tasks {
		if !t.Done {
			ids = append(ids, id)
		}
	}
	return ids
}

// Get returns the task for further inspection (e.g. by a status CLI).
func (m *TaskManager) Get(id uint64) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// visitor performs the task's effect on one inode and reports which
// TaskStats bucket it falls into. Supplied by the graph, which knows
// how to mutate a node and append the changelog record.
type visitor func(ino Ino) (changed bool, permitted bool, children []Ino)

// Execute runs one batch of task id against visit, advancing its
// cursor and folding results into its running stats. It returns false
// once the task's stack is empty, at which point it is marked Done and
// its submitter callback (if any) fires with the final stats (§4.9).
func (m *TaskManager) Execute(id uint64, visit visitor) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok || t.Done {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	budget := m.batchSize
	var batchStats TaskStats
	for budget > 0 && len(t.Cursor.Stack) > 0 {
		n := len(t.Cursor.Stack) - 1
		ino := t.Cursor.Stack[n]
		t.Cursor.Stack = t.Cursor.Stack[:n]

		changed, permitted, children := visit(ino)
		switch {
		case !permitted:
			batchStats.NotPermitted++
		case changed:
			batchStats.Changed++
		default:
			batchStats.NotChanged++
		}
		t.Cursor.Stack = append(t.Cursor.Stack, children...)
		budget--
	}

	t.Stats.add(batchStats)
	if len(t.Cursor.Stack) == 0 {
		t.Done = true
		if t.Submitter != nil {
			t.Submitter(t.Stats)
		}
		return false
	}
	return true
}
