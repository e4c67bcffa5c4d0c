package database

import "time"

const (
	StatusTodo       = "todo"
	StatusInProgress = "in-progress"
	StatusDone       = "done"

	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Color       string    `json:"color"`
	CreatedBy   string    `json:"createdBy"`
	Members     []string  `json:"members,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// HasMember reports whether userID owns the project or was added to it.
func (p Project) HasMember(userID string) bool {
	if userID == "" {
		return false
	}
	if p.CreatedBy == userID {
		return true
	}
	for _, m := range p.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Board is a named container of ordered columns. It is the unit of room scoping.
type Board struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ProjectID string    `json:"projectId"`
	Columns   []Column  `json:"columns"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Column is an ordered bucket on a board. TaskIDs is a denormalized hint only;
// Task.ColumnID decides membership.
type Column struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Color   string   `json:"color"`
	Order   int      `json:"order"`
	TaskIDs []string `json:"taskIds"`
}

// Collection groups tasks within a project, orthogonal to columns.
type Collection struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Color       string    `json:"color"`
	ProjectID   string    `json:"projectId"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	Order       int       `json:"order"`
	IsArchived  bool      `json:"isArchived"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Label struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type Subtask struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`
}

type Comment struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedBy *User     `json:"createdBy,omitempty"`
	TaskID    string    `json:"taskId"`
	Mentions  []string  `json:"mentions,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Attachment struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	URL        string    `json:"url"`
	Size       int64     `json:"size"`
	Type       string    `json:"type"`
	UploadedBy *User     `json:"uploadedBy,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Task struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Status       string       `json:"status"`
	Priority     string       `json:"priority"`
	Assignee     *User        `json:"assignee,omitempty"`
	Reporter     *User        `json:"reporter,omitempty"`
	ProjectID    string       `json:"projectId"`
	BoardID      string       `json:"boardId"`
	ColumnID     string       `json:"columnId"`
	CollectionID string       `json:"collectionId,omitempty"`
	ParentTaskID string       `json:"parentTaskId,omitempty"`
	IsSubtask    bool         `json:"isSubtask"`
	Order        int          `json:"order"`
	CreatedBy    string       `json:"createdBy,omitempty"`
	Labels       []Label      `json:"labels"`
	StartDate    *time.Time   `json:"startDate,omitempty"`
	DueDate      *time.Time   `json:"dueDate,omitempty"`
	Subtasks     []Subtask    `json:"subtasks"`
	Comments     []Comment    `json:"comments"`
	Attachments  []Attachment `json:"attachments"`
	TimeTracked  int          `json:"timeTracked"`
	Dependencies []string     `json:"dependencies"`
	Version      int          `json:"version"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Clone returns a deep copy so snapshots taken before an optimistic change
// are not aliased by later edits.
func (t Task) Clone() Task {
	c := t
	if t.Assignee != nil {
		u := *t.Assignee
		c.Assignee = &u
	}
	if t.Reporter != nil {
		u := *t.Reporter
		c.Reporter = &u
	}
	if t.StartDate != nil {
		d := *t.StartDate
		c.StartDate = &d
	}
	if t.DueDate != nil {
		d := *t.DueDate
		c.DueDate = &d
	}
	c.Labels = append([]Label(nil), t.Labels...)
	c.Subtasks = append([]Subtask(nil), t.Subtasks...)
	c.Comments = append([]Comment(nil), t.Comments...)
	c.Attachments = append([]Attachment(nil), t.Attachments...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	return c
}

// TaskInput is the body of a task create request.
type TaskInput struct {
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Status       string     `json:"status,omitempty"`
	Priority     string     `json:"priority"`
	AssigneeID   string     `json:"assigneeId,omitempty"`
	ProjectID    string     `json:"projectId"`
	BoardID      string     `json:"boardId"`
	ColumnID     string     `json:"columnId"`
	CollectionID string     `json:"collectionId,omitempty"`
	ParentTaskID string     `json:"parentTaskId,omitempty"`
	DueDate      *time.Time `json:"dueDate,omitempty"`
	StartDate    *time.Time `json:"startDate,omitempty"`
	Labels       []Label    `json:"labels,omitempty"`
}

// TaskPatch is a partial task update. Nil fields are left untouched.
// CollectionID set to a pointer to "" clears the collection, and Labels or
// Dependencies set to a pointer to an empty slice clear those lists.
type TaskPatch struct {
	Title        *string    `json:"title,omitempty"`
	Description  *string    `json:"description,omitempty"`
	Status       *string    `json:"status,omitempty"`
	Priority     *string    `json:"priority,omitempty"`
	ColumnID     *string    `json:"columnId,omitempty"`
	CollectionID *string    `json:"collectionId,omitempty"`
	Order        *int       `json:"order,omitempty"`
	Labels       *[]Label   `json:"labels,omitempty"`
	DueDate      *time.Time `json:"dueDate,omitempty"`
	StartDate    *time.Time `json:"startDate,omitempty"`
	TimeTracked  *int       `json:"timeTracked,omitempty"`
	Dependencies *[]string  `json:"dependencies,omitempty"`
	Version      *int       `json:"version,omitempty"`
}

// Apply merges the patch into t and returns the result.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.ColumnID != nil {
		t.ColumnID = *p.ColumnID
	}
	if p.CollectionID != nil {
		t.CollectionID = *p.CollectionID
	}
	if p.Order != nil {
		t.Order = *p.Order
	}
	if p.Labels != nil {
		t.Labels = append([]Label{}, *p.Labels...)
	}
	if p.DueDate != nil {
		d := *p.DueDate
		t.DueDate = &d
	}
	if p.StartDate != nil {
		d := *p.StartDate
		t.StartDate = &d
	}
	if p.TimeTracked != nil {
		t.TimeTracked = *p.TimeTracked
	}
	if p.Dependencies != nil {
		t.Dependencies = append([]string{}, *p.Dependencies...)
	}
	return t
}

type CollectionInput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color"`
	ProjectID   string `json:"projectId"`
	Order       *int   `json:"order,omitempty"`
}

type CollectionPatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Color       *string `json:"color,omitempty"`
	Order       *int    `json:"order,omitempty"`
	IsArchived  *bool   `json:"isArchived,omitempty"`
}

func (p CollectionPatch) Apply(c Collection) Collection {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Color != nil {
		c.Color = *p.Color
	}
	if p.Order != nil {
		c.Order = *p.Order
	}
	if p.IsArchived != nil {
		c.IsArchived = *p.IsArchived
	}
	return c
}

type CollectionOrder struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
}

type CollectionReorder struct {
	ProjectID string            `json:"projectId"`
	Orders    []CollectionOrder `json:"orders"`
}

type SubtaskInput struct {
	Title string `json:"title"`
}

type SubtaskPatch struct {
	Title     *string `json:"title,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
}

func (p SubtaskPatch) Apply(s Subtask) Subtask {
	if p.Title != nil {
		s.Title = *p.Title
	}
	if p.Completed != nil {
		s.Completed = *p.Completed
	}
	return s
}

// DefaultColumns are created with every new board.
func DefaultColumns() []Column {
	return []Column{
		{ID: "todo", Name: "To Do", Color: "#6B7280", Order: 0, TaskIDs: []string{}},
		{ID: "in-progress", Name: "In Progress", Color: "#3B82F6", Order: 1, TaskIDs: []string{}},
		{ID: "review", Name: "Review", Color: "#F59E0B", Order: 2, TaskIDs: []string{}},
		{ID: "done", Name: "Done", Color: "#10B981", Order: 3, TaskIDs: []string{}},
	}
}
