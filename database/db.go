package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrForbidden       = errors.New("not a member of this project")
)

// InitDB opens the SQLite database at path and creates the document tables.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Every entity is stored as a JSON document with the columns we filter on
	// pulled out next to it.
	tables := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			created_by TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS boards (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			data TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			board_id TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS tasks_board_id ON tasks(board_id)`,
		`CREATE TABLE IF NOT EXISTS collections (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS collections_project_id ON collections(project_id)`,
	}
	for _, stmt := range tables {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	log.WithField("path", path).Info("database initialized")
	return db, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DataService handles database operations for the board backend.
type DataService struct {
	db  *sql.DB
	now func() time.Time
}

func NewDataService(db *sql.DB) *DataService {
	return &DataService{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *DataService) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func getDoc(ctx context.Context, q querier, table, id string, out any) error {
	var data string
	err := q.QueryRowContext(ctx, "SELECT data FROM "+table+" WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", table, err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", table, err)
	}
	return nil
}

func listDocs[T any](ctx context.Context, q querier, query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *DataService) putProject(ctx context.Context, q querier, p Project) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal project: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO projects (id, created_by, data, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP
	`, p.ID, p.CreatedBy, string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert project: %w", err)
	}
	return nil
}

func (s *DataService) putBoard(ctx context.Context, q querier, b Board) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal board: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO boards (id, project_id, data, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP
	`, b.ID, b.ProjectID, string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert board: %w", err)
	}
	return nil
}

func (s *DataService) putTask(ctx context.Context, q querier, t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, board_id, data, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			board_id = excluded.board_id,
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP
	`, t.ID, t.ProjectID, t.BoardID, string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

func (s *DataService) putCollection(ctx context.Context, q querier, c Collection) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal collection: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO collections (id, project_id, data, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP
	`, c.ID, c.ProjectID, string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert collection: %w", err)
	}
	return nil
}

// EnsureWorkspace creates a starter project and board for a user who has none.
func (s *DataService) EnsureWorkspace(ctx context.Context, user User) error {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM projects WHERE created_by = ?", user.ID).Scan(&count); err != nil {
		return fmt.Errorf("failed to count projects: %w", err)
	}
	if count > 0 {
		return nil
	}

	now := s.now()
	project := Project{
		ID:        uuid.NewString(),
		Name:      "My Project",
		Color:     "#3B82F6",
		CreatedBy: user.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	board := Board{
		ID:        uuid.NewString(),
		Name:      "Main Board",
		ProjectID: project.ID,
		Columns:   DefaultColumns(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.putProject(ctx, tx, project); err != nil {
			return err
		}
		return s.putBoard(ctx, tx, board)
	})
}

// ListProjects returns the projects userID owns or is a member of.
func (s *DataService) ListProjects(ctx context.Context, userID string) ([]Project, error) {
	return listDocs[Project](ctx, s.db, `
		SELECT data FROM projects
		WHERE created_by = ?
		   OR EXISTS (SELECT 1 FROM json_each(projects.data, '$.members') WHERE value = ?)
		ORDER BY created_at, id`, userID, userID)
}

func (s *DataService) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	err := getDoc(ctx, s.db, "projects", id, &p)
	return p, err
}

// AuthorizeProject fails with ErrForbidden unless userID may work in the project.
func (s *DataService) AuthorizeProject(ctx context.Context, userID, projectID string) (Project, error) {
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return Project{}, err
	}
	if !p.HasMember(userID) {
		return Project{}, fmt.Errorf("project %s: %w", projectID, ErrForbidden)
	}
	return p, nil
}

// AuthorizeBoard resolves a board and checks userID against its project.
func (s *DataService) AuthorizeBoard(ctx context.Context, userID, boardID string) (Board, error) {
	b, err := s.GetBoard(ctx, boardID)
	if err != nil {
		return Board{}, err
	}
	if _, err := s.AuthorizeProject(ctx, userID, b.ProjectID); err != nil {
		return Board{}, err
	}
	return b, nil
}

// AddProjectMember gives memberID access to the project. Adding an existing
// member is a no-op.
func (s *DataService) AddProjectMember(ctx context.Context, projectID, memberID string) (Project, error) {
	var p Project
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := getDoc(ctx, tx, "projects", projectID, &p); err != nil {
			return err
		}
		if p.HasMember(memberID) {
			return nil
		}
		p.Members = append(p.Members, memberID)
		p.UpdatedAt = s.now()
		return s.putProject(ctx, tx, p)
	})
	return p, err
}

// CreateProject stores a project together with its first board.
func (s *DataService) CreateProject(ctx context.Context, p Project) (Project, Board, error) {
	now := s.now()
	p.ID = uuid.NewString()
	p.CreatedAt, p.UpdatedAt = now, now
	board := Board{
		ID:        uuid.NewString(),
		Name:      "Main Board",
		ProjectID: p.ID,
		Columns:   DefaultColumns(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.putProject(ctx, tx, p); err != nil {
			return err
		}
		return s.putBoard(ctx, tx, board)
	})
	return p, board, err
}

func (s *DataService) ListBoards(ctx context.Context, projectID string) ([]Board, error) {
	return listDocs[Board](ctx, s.db, "SELECT data FROM boards WHERE project_id = ? ORDER BY created_at, id", projectID)
}

func (s *DataService) GetBoard(ctx context.Context, id string) (Board, error) {
	var b Board
	err := getDoc(ctx, s.db, "boards", id, &b)
	return b, err
}

func (s *DataService) GetTask(ctx context.Context, id string) (Task, error) {
	var t Task
	err := getDoc(ctx, s.db, "tasks", id, &t)
	return t, err
}

// ListBoardTasks returns a board's tasks ordered by column position.
func (s *DataService) ListBoardTasks(ctx context.Context, boardID string) ([]Task, error) {
	tasks, err := listDocs[Task](ctx, s.db, "SELECT data FROM tasks WHERE board_id = ? ORDER BY created_at, id", boardID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Order < tasks[j].Order })
	return tasks, nil
}

func (s *DataService) CreateTask(ctx context.Context, in TaskInput, reporter User) (Task, error) {
	board, err := s.GetBoard(ctx, in.BoardID)
	if err != nil {
		return Task{}, err
	}

	columnID := in.ColumnID
	if columnID == "" && len(board.Columns) > 0 {
		columnID = board.Columns[0].ID
	}
	status := in.Status
	if status == "" {
		status = StatusTodo
	}
	priority := in.Priority
	if priority == "" {
		priority = PriorityMedium
	}

	now := s.now()
	task := Task{
		ID:           uuid.NewString(),
		Title:        in.Title,
		Description:  in.Description,
		Status:       status,
		Priority:     priority,
		Reporter:     &reporter,
		ProjectID:    board.ProjectID,
		BoardID:      board.ID,
		ColumnID:     columnID,
		CollectionID: in.CollectionID,
		ParentTaskID: in.ParentTaskID,
		IsSubtask:    in.ParentTaskID != "",
		CreatedBy:    reporter.ID,
		Labels:       append([]Label{}, in.Labels...),
		StartDate:    in.StartDate,
		DueDate:      in.DueDate,
		Subtasks:     []Subtask{},
		Comments:     []Comment{},
		Attachments:  []Attachment{},
		Dependencies: []string{},
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.AssigneeID != "" {
		task.Assignee = &User{ID: in.AssigneeID}
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := nextOrder(ctx, tx, board.ID, columnID)
		if err != nil {
			return err
		}
		task.Order = n
		return s.putTask(ctx, tx, task)
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// nextOrder is one past the highest position used in a column.
func nextOrder(ctx context.Context, q querier, boardID, columnID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(json_extract(data, '$.order')), -1) + 1 FROM tasks WHERE board_id = ? AND json_extract(data, '$.columnId') = ?",
		boardID, columnID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to compute column position: %w", err)
	}
	return n, nil
}

// mutateTask loads a task, applies fn and stores the result with a bumped version.
func (s *DataService) mutateTask(ctx context.Context, id string, fn func(tx *sql.Tx, t *Task) error) (Task, error) {
	var task Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := getDoc(ctx, tx, "tasks", id, &task); err != nil {
			return err
		}
		if err := fn(tx, &task); err != nil {
			return err
		}
		task.Version++
		task.UpdatedAt = s.now()
		return s.putTask(ctx, tx, task)
	})
	return task, err
}

// UpdateTask applies a patch. When the patch carries a version that does not
// match the stored one the stored task is returned with ErrVersionConflict.
func (s *DataService) UpdateTask(ctx context.Context, id string, patch TaskPatch) (Task, error) {
	var current Task
	task, err := s.mutateTask(ctx, id, func(tx *sql.Tx, t *Task) error {
		if patch.Version != nil && *patch.Version != t.Version {
			current = *t
			return ErrVersionConflict
		}
		from := t.ColumnID
		*t = patch.Apply(*t)
		// A task moved without an explicit position goes to the end.
		if t.ColumnID != from && patch.Order == nil {
			n, err := nextOrder(ctx, tx, t.BoardID, t.ColumnID)
			if err != nil {
				return err
			}
			t.Order = n
		}
		return nil
	})
	if errors.Is(err, ErrVersionConflict) {
		return current, err
	}
	return task, err
}

// DeleteTask removes a task and returns what was deleted.
func (s *DataService) DeleteTask(ctx context.Context, id string) (Task, error) {
	var task Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := getDoc(ctx, tx, "tasks", id, &task); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		return nil
	})
	return task, err
}

func (s *DataService) AddSubtask(ctx context.Context, taskID string, in SubtaskInput) (Task, Subtask, error) {
	sub := Subtask{ID: uuid.NewString(), Title: in.Title, CreatedAt: s.now()}
	task, err := s.mutateTask(ctx, taskID, func(_ *sql.Tx, t *Task) error {
		t.Subtasks = append(t.Subtasks, sub)
		return nil
	})
	return task, sub, err
}

func (s *DataService) UpdateSubtask(ctx context.Context, taskID, subtaskID string, patch SubtaskPatch) (Task, Subtask, error) {
	var sub Subtask
	task, err := s.mutateTask(ctx, taskID, func(_ *sql.Tx, t *Task) error {
		for i := range t.Subtasks {
			if t.Subtasks[i].ID == subtaskID {
				t.Subtasks[i] = patch.Apply(t.Subtasks[i])
				sub = t.Subtasks[i]
				return nil
			}
		}
		return fmt.Errorf("subtask %s: %w", subtaskID, ErrNotFound)
	})
	return task, sub, err
}

func (s *DataService) DeleteSubtask(ctx context.Context, taskID, subtaskID string) (Task, error) {
	return s.mutateTask(ctx, taskID, func(_ *sql.Tx, t *Task) error {
		for i := range t.Subtasks {
			if t.Subtasks[i].ID == subtaskID {
				t.Subtasks = append(t.Subtasks[:i], t.Subtasks[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("subtask %s: %w", subtaskID, ErrNotFound)
	})
}

func (s *DataService) GetCollection(ctx context.Context, id string) (Collection, error) {
	var c Collection
	err := getDoc(ctx, s.db, "collections", id, &c)
	return c, err
}

func (s *DataService) ListCollections(ctx context.Context, projectID string) ([]Collection, error) {
	cols, err := listDocs[Collection](ctx, s.db, "SELECT data FROM collections WHERE project_id = ? ORDER BY created_at, id", projectID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(cols, func(i, j int) bool { return cols[i].Order < cols[j].Order })
	return cols, nil
}

func (s *DataService) CreateCollection(ctx context.Context, in CollectionInput, createdBy string) (Collection, error) {
	now := s.now()
	c := Collection{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Description: in.Description,
		Color:       in.Color,
		ProjectID:   in.ProjectID,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if in.Order != nil {
			c.Order = *in.Order
		} else {
			var n int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM collections WHERE project_id = ?", in.ProjectID).Scan(&n); err != nil {
				return fmt.Errorf("failed to count collections: %w", err)
			}
			c.Order = n
		}
		return s.putCollection(ctx, tx, c)
	})
	if err != nil {
		return Collection{}, err
	}
	return c, nil
}

func (s *DataService) UpdateCollection(ctx context.Context, id string, patch CollectionPatch) (Collection, error) {
	var c Collection
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := getDoc(ctx, tx, "collections", id, &c); err != nil {
			return err
		}
		c = patch.Apply(c)
		c.UpdatedAt = s.now()
		return s.putCollection(ctx, tx, c)
	})
	return c, err
}

// DeleteCollection removes a collection and moves its tasks to uncategorized.
// The tasks that were reassigned are returned.
func (s *DataService) DeleteCollection(ctx context.Context, id string) (Collection, []Task, error) {
	var c Collection
	var moved []Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := getDoc(ctx, tx, "collections", id, &c); err != nil {
			return err
		}
		tasks, err := listDocs[Task](ctx, tx,
			"SELECT data FROM tasks WHERE project_id = ? AND json_extract(data, '$.collectionId') = ?",
			c.ProjectID, id,
		)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			t.CollectionID = ""
			t.Version++
			t.UpdatedAt = s.now()
			if err := s.putTask(ctx, tx, t); err != nil {
				return err
			}
			moved = append(moved, t)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM collections WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete collection: %w", err)
		}
		return nil
	})
	return c, moved, err
}

func (s *DataService) ReorderCollections(ctx context.Context, r CollectionReorder) ([]Collection, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, o := range r.Orders {
			var c Collection
			if err := getDoc(ctx, tx, "collections", o.ID, &c); err != nil {
				return err
			}
			if c.ProjectID != r.ProjectID {
				return fmt.Errorf("collection %s: %w", o.ID, ErrNotFound)
			}
			c.Order = o.Order
			c.UpdatedAt = s.now()
			if err := s.putCollection(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.ListCollections(ctx, r.ProjectID)
}
