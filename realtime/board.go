package realtime

import (
	"sort"
	"sync"

	"github.com/CrowderSoup/boardsync/database"
)

// BoardState is the merged local view of one board: its columns, its tasks
// and the collections of the owning project. Every apply is keyed by id so
// receiving the same change twice leaves the state unchanged.
//
// Column membership is derived from Task.ColumnID on read; Column.TaskIDs
// from the backend is ignored.
type BoardState struct {
	mu          sync.RWMutex
	board       database.Board
	tasks       map[string]database.Task
	collections map[string]database.Collection
}

func NewBoardState() *BoardState {
	return &BoardState{
		tasks:       make(map[string]database.Task),
		collections: make(map[string]database.Collection),
	}
}

// Load replaces everything with a freshly fetched board.
func (b *BoardState) Load(board database.Board, tasks []database.Task, collections []database.Collection) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.board = board
	b.tasks = make(map[string]database.Task, len(tasks))
	for _, t := range tasks {
		b.tasks[t.ID] = t.Clone()
	}
	b.collections = make(map[string]database.Collection, len(collections))
	for _, c := range collections {
		b.collections[c.ID] = c
	}
}

func (b *BoardState) Board() database.Board {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.board
}

func (b *BoardState) Task(id string) (database.Task, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[id]
	if !ok {
		return database.Task{}, false
	}
	return t.Clone(), true
}

// Tasks returns every task ordered by column order, then position.
func (b *BoardState) Tasks() []database.Task {
	b.mu.RLock()
	defer b.mu.RUnlock()

	colOrder := make(map[string]int, len(b.board.Columns))
	for _, c := range b.board.Columns {
		colOrder[c.ID] = c.Order
	}
	out := b.collect(func(database.Task) bool { return true })
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := colOrder[out[i].ColumnID], colOrder[out[j].ColumnID]
		if ci != cj {
			return ci < cj
		}
		return taskLess(out[i], out[j])
	})
	return out
}

func (b *BoardState) ColumnTasks(columnID string) []database.Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := b.collect(func(t database.Task) bool { return t.ColumnID == columnID })
	sort.Slice(out, func(i, j int) bool { return taskLess(out[i], out[j]) })
	return out
}

// Columns returns the board's columns in order with TaskIDs rebuilt from
// the tasks currently held.
func (b *BoardState) Columns() []database.Column {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cols := make([]database.Column, len(b.board.Columns))
	copy(cols, b.board.Columns)
	sort.SliceStable(cols, func(i, j int) bool { return cols[i].Order < cols[j].Order })
	for i := range cols {
		id := cols[i].ID
		tasks := b.collect(func(t database.Task) bool { return t.ColumnID == id })
		sort.Slice(tasks, func(i, j int) bool { return taskLess(tasks[i], tasks[j]) })
		cols[i].TaskIDs = make([]string, 0, len(tasks))
		for _, t := range tasks {
			cols[i].TaskIDs = append(cols[i].TaskIDs, t.ID)
		}
	}
	return cols
}

// AppendIndex is the position a task lands on when dropped into columnID:
// the number of other tasks already there.
func (b *BoardState) AppendIndex(columnID, taskID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for id, t := range b.tasks {
		if id != taskID && t.ColumnID == columnID {
			n++
		}
	}
	return n
}

func (b *BoardState) Collections() []database.Collection {
	b.mu.RLock()
	out := make([]database.Collection, 0, len(b.collections))
	for _, c := range b.collections {
		out = append(out, c)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (b *BoardState) Collection(id string) (database.Collection, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.collections[id]
	return c, ok
}

// UncategorizedTasks are tasks without a collection, or whose collection
// is no longer known.
func (b *BoardState) UncategorizedTasks() []database.Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := b.collect(func(t database.Task) bool {
		if t.CollectionID == "" {
			return true
		}
		_, ok := b.collections[t.CollectionID]
		return !ok
	})
	sort.Slice(out, func(i, j int) bool { return taskLess(out[i], out[j]) })
	return out
}

func (b *BoardState) CollectionTasks(collectionID string) []database.Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := b.collect(func(t database.Task) bool { return t.CollectionID == collectionID })
	sort.Slice(out, func(i, j int) bool { return taskLess(out[i], out[j]) })
	return out
}

// UpsertTask stores t, replacing any held copy. A copy older than the one
// held (lower version) is ignored. It reports whether the state changed.
func (b *BoardState) UpsertTask(t database.Task) bool {
	if t.ID == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.tasks[t.ID]; ok && t.Version < cur.Version {
		return false
	}
	b.tasks[t.ID] = t.Clone()
	return true
}

// RestoreTask puts a pre-mutation snapshot back, unless a newer server
// version arrived while the mutation was in flight.
func (b *BoardState) RestoreTask(snapshot database.Task) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.tasks[snapshot.ID]; ok && cur.Version > snapshot.Version {
		return false
	}
	b.tasks[snapshot.ID] = snapshot.Clone()
	return true
}

func (b *BoardState) RemoveTask(id string) (database.Task, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if ok {
		delete(b.tasks, id)
	}
	return t, ok
}

// MoveTask reassigns the task to column to, placing it at the end. It
// returns the column the task left.
func (b *BoardState) MoveTask(id, to string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return "", false
	}
	from := t.ColumnID
	if from == to {
		return from, true
	}
	t.ColumnID = to
	t.Order = b.maxOrder(to) + 1
	b.tasks[id] = t
	return from, true
}

// SetColumn places the task in columnID at the given order. Applying the
// same placement twice is a no-op.
func (b *BoardState) SetColumn(id, columnID string, order int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return false
	}
	if t.ColumnID == columnID && t.Order == order {
		return false
	}
	t.ColumnID = columnID
	t.Order = order
	b.tasks[id] = t
	return true
}

// ReplaceTasks swaps the full task set, e.g. on a server snapshot.
func (b *BoardState) ReplaceTasks(tasks []database.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = make(map[string]database.Task, len(tasks))
	for _, t := range tasks {
		b.tasks[t.ID] = t.Clone()
	}
}

func (b *BoardState) UpsertCollection(c database.Collection) bool {
	if c.ID == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.collections[c.ID] = c
	return true
}

// RemoveCollection drops the collection and moves its tasks to
// uncategorized. Tasks are never deleted. It returns the ids of the tasks
// that were moved.
func (b *BoardState) RemoveCollection(id string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.collections, id)

	var moved []string
	for tid, t := range b.tasks {
		if t.CollectionID == id {
			t.CollectionID = ""
			b.tasks[tid] = t
			moved = append(moved, tid)
		}
	}
	sort.Strings(moved)
	return moved
}

func (b *BoardState) ReorderCollections(orders []database.CollectionOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range orders {
		if c, ok := b.collections[o.ID]; ok {
			c.Order = o.Order
			b.collections[o.ID] = c
		}
	}
}

func (b *BoardState) UpsertSubtask(taskID string, sub database.Subtask) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok || sub.ID == "" {
		return false
	}
	t = t.Clone()
	for i := range t.Subtasks {
		if t.Subtasks[i].ID == sub.ID {
			t.Subtasks[i] = sub
			b.tasks[taskID] = t
			return true
		}
	}
	t.Subtasks = append(t.Subtasks, sub)
	b.tasks[taskID] = t
	return true
}

func (b *BoardState) RemoveSubtask(taskID, subtaskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return false
	}
	t = t.Clone()
	for i := range t.Subtasks {
		if t.Subtasks[i].ID == subtaskID {
			t.Subtasks = append(t.Subtasks[:i], t.Subtasks[i+1:]...)
			b.tasks[taskID] = t
			return true
		}
	}
	return false
}

func (b *BoardState) collect(keep func(database.Task) bool) []database.Task {
	out := make([]database.Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func (b *BoardState) maxOrder(columnID string) int {
	max := -1
	for _, t := range b.tasks {
		if t.ColumnID == columnID && t.Order > max {
			max = t.Order
		}
	}
	return max
}

func taskLess(a, b database.Task) bool {
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return a.ID < b.ID
}
