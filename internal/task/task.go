// Package task implements the persistent task graph that is Conductor's
// single source of truth: tasks, their typed relationships, and the task
// lists that group them for scheduled execution.
package task

import (
	"sync"
	"time"

	"github.com/google/uuid"

	cerrors "github.com/arcflow-run/conductor/internal/errors"
)

// Category is the closed enumeration of task classifications.
type Category string

const (
	CategoryFeature        Category = "feature"
	CategoryBug            Category = "bug"
	CategoryInfrastructure Category = "infrastructure"
	CategoryRefactor       Category = "refactor"
	CategoryTest           Category = "test"
	CategoryDoc            Category = "doc"
)

// RiskLevel is the closed enumeration of task risk classifications.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// State is the task state machine's closed enumeration. See IsTerminal
// and the transition table enforced by Task.Transition.
type State string

const (
	StateDraft      State = "draft"
	StatePending    State = "pending"
	StateBlocked    State = "blocked"
	StateInProgress State = "in_progress"
	StateValidating State = "validating"
	StateFailed     State = "failed"
	StateStale      State = "stale"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
)

// IsTerminal reports whether state is terminal: cancelled accepts no
// further transitions, and completed accepts only the move to stale
// when a regression invalidates it.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCancelled:
		return true
	}
	return false
}

// transitions enumerates the state machine edges from spec §4.3. The zero
// value of an edge key absent from the map means "no such transition".
var transitions = map[State]map[State]bool{
	StateDraft:      {StatePending: true},
	StatePending:    {StateInProgress: true, StateBlocked: true, StateCancelled: true, StateStale: true},
	StateBlocked:    {StatePending: true, StateCancelled: true, StateStale: true},
	StateInProgress: {StateValidating: true, StateBlocked: true, StateStale: true, StateCancelled: true},
	StateValidating: {StateCompleted: true, StateFailed: true, StateStale: true},
	StateFailed:     {StatePending: true, StateBlocked: true, StateStale: true},
	StateStale:      {StatePending: true},
	StateCompleted:  {StateStale: true},
	StateCancelled:  {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// TestLevel identifies the three acceptance-test tiers of spec §3.
type TestLevel int

const (
	LevelCodebase TestLevel = 1 // typecheck / compile
	LevelAPI      TestLevel = 2 // unit tests
	LevelUI       TestLevel = 3 // integration / E2E
)

// AcceptanceCriterion is one ordered statement a task must satisfy.
type AcceptanceCriterion struct {
	Statement string
}

// Task is the unit of work scheduled and executed by Conductor.
type Task struct {
	mu sync.RWMutex

	ID      string
	Version int

	Category  Category
	RiskLevel RiskLevel

	Title               string
	Description         string
	AcceptanceCriteria  []AcceptanceCriterion
	AffectedFiles       []string
	CodebaseTestCmds    []string
	APITestCmds         []string
	UITestCmds          []string

	status State

	PriorityScore int
	BlocksCount   int
	IsQuickWin    bool
	Deadline      *time.Time

	ParentTaskID     string
	SupersedesTaskID string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	// skipCount tracks consecutive waves in which this task was a runnable
	// candidate but not admitted, for the scheduler's starvation boost.
	skipCount int

	// attempts tracks how many execution runs have been spawned for this
	// task, bounding the failed -> pending retry transition.
	attempts int
}

// New creates a task in StateDraft.
func New(category Category, risk RiskLevel, title, description string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.NewString(),
		Version:     1,
		Category:    category,
		RiskLevel:   risk,
		Title:       title,
		Description: description,
		status:      StateDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Snapshot is the flattened view of a Task's fields used to move data
// across the Store boundary, where the package's unexported status/
// attempts/skipCount fields must still round-trip.
type Snapshot struct {
	ID                 string
	Version            int
	Category           Category
	RiskLevel          RiskLevel
	Title              string
	Description        string
	AcceptanceCriteria []AcceptanceCriterion
	AffectedFiles      []string
	CodebaseTestCmds   []string
	APITestCmds        []string
	UITestCmds         []string
	Status             State
	PriorityScore      int
	BlocksCount        int
	IsQuickWin         bool
	Deadline           *time.Time
	ParentTaskID       string
	SupersedesTaskID   string
	Attempts           int
	SkipCount          int
	CreatedAt          time.Time
	UpdatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
}

// Load reconstructs a Task from a persisted Snapshot, bypassing the
// state machine: the stored status is already known-valid, having been
// reached through Transition before it was last saved.
func Load(s Snapshot) *Task {
	return &Task{
		ID:                 s.ID,
		Version:            s.Version,
		Category:           s.Category,
		RiskLevel:          s.RiskLevel,
		Title:              s.Title,
		Description:        s.Description,
		AcceptanceCriteria: s.AcceptanceCriteria,
		AffectedFiles:      s.AffectedFiles,
		CodebaseTestCmds:   s.CodebaseTestCmds,
		APITestCmds:        s.APITestCmds,
		UITestCmds:         s.UITestCmds,
		status:             s.Status,
		PriorityScore:      s.PriorityScore,
		BlocksCount:        s.BlocksCount,
		IsQuickWin:         s.IsQuickWin,
		Deadline:           s.Deadline,
		ParentTaskID:       s.ParentTaskID,
		SupersedesTaskID:   s.SupersedesTaskID,
		attempts:           s.Attempts,
		skipCount:          s.SkipCount,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
		StartedAt:          s.StartedAt,
		CompletedAt:        s.CompletedAt,
	}
}

// Snapshot flattens the Task into its persistable form.
func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		ID:                 t.ID,
		Version:            t.Version,
		Category:           t.Category,
		RiskLevel:          t.RiskLevel,
		Title:              t.Title,
		Description:        t.Description,
		AcceptanceCriteria: t.AcceptanceCriteria,
		AffectedFiles:      t.AffectedFiles,
		CodebaseTestCmds:   t.CodebaseTestCmds,
		APITestCmds:        t.APITestCmds,
		UITestCmds:         t.UITestCmds,
		Status:             t.status,
		PriorityScore:      t.PriorityScore,
		BlocksCount:        t.BlocksCount,
		IsQuickWin:         t.IsQuickWin,
		Deadline:           t.Deadline,
		ParentTaskID:       t.ParentTaskID,
		SupersedesTaskID:   t.SupersedesTaskID,
		Attempts:           t.attempts,
		SkipCount:          t.skipCount,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
		StartedAt:          t.StartedAt,
		CompletedAt:        t.CompletedAt,
	}
}

// Status returns the current state (thread-safe).
func (t *Task) Status() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Attempts returns the number of execution runs spawned so far.
func (t *Task) Attempts() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.attempts
}

// SkipCount returns the current starvation skip counter.
func (t *Task) SkipCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.skipCount
}

// RecordSkip increments the starvation counter; scheduler calls this once
// per wave in which the task was runnable but not admitted.
func (t *Task) RecordSkip() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.skipCount++
}

// ResetSkip clears the starvation counter, called on admission.
func (t *Task) ResetSkip() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.skipCount = 0
}

// validateForPending enforces the draft -> pending invariants: required
// fields, at least one acceptance criterion, and level-1 (codebase) test
// commands, which every category requires alike.
func (t *Task) validateForPending() error {
	if t.Title == "" {
		return cerrors.New(cerrors.KindAmbiguity, "task title is required")
	}
	if len(t.AcceptanceCriteria) == 0 {
		return cerrors.New(cerrors.KindAmbiguity, "task has no acceptance criteria").
			WithSuggestedAction("add at least one acceptance criterion before submitting")
	}
	if len(t.CodebaseTestCmds) == 0 {
		return cerrors.New(cerrors.KindAmbiguity, "task category requires level-1 (codebase) test commands").
			WithEvidence(string(t.Category))
	}
	return nil
}

// Transition moves the task to a new state, enforcing the state machine
// and the draft->pending validation gate. Callers hold no external lock;
// Transition is itself safe for concurrent use, and task state changes
// are additionally serialized per-task by the Store (invariant: task
// state transitions are serialized per task via the store's per-row
// write lock).
func (t *Task) Transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	from := t.status
	if !CanTransition(from, to) {
		return cerrors.New(cerrors.KindCoordination, "illegal task state transition").
			WithEvidence(string(from) + " -> " + string(to))
	}

	if from == StateDraft && to == StatePending {
		if err := t.validateForPending(); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	switch to {
	case StateInProgress:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		t.attempts++
	case StateCompleted:
		t.CompletedAt = &now
	}

	t.status = to
	t.UpdatedAt = now
	return nil
}

// RelationType is the closed enumeration of typed edges between tasks.
type RelationType string

const (
	RelDependsOn    RelationType = "depends_on"
	RelBlocks       RelationType = "blocks"
	RelRelatedTo    RelationType = "related_to"
	RelDuplicateOf  RelationType = "duplicate_of"
	RelSubtaskOf    RelationType = "subtask_of"
	RelSupersedes   RelationType = "supersedes"
	RelImplements   RelationType = "implements"
	RelConflictsWith RelationType = "conflicts_with"
	RelEnables      RelationType = "enables"
	RelInspiredBy   RelationType = "inspired_by"
	RelTests        RelationType = "tests"
)

// Relationship is a directed, typed edge between two tasks.
type Relationship struct {
	FromTaskID string
	ToTaskID   string
	Type       RelationType
	Strength   float64 // [0,1], optional; 0 means unset
}

// Validate enforces the no-self-edge invariant. Acyclicity of the
// depends_on/conflicts_with subgraph is enforced by the Store at
// insertion time, where the full graph is visible.
func (r Relationship) Validate() error {
	if r.FromTaskID == r.ToTaskID {
		return cerrors.New(cerrors.KindAmbiguity, "self-referential relationship is forbidden").
			WithEvidence(r.FromTaskID)
	}
	if r.Strength < 0 || r.Strength > 1 {
		return cerrors.New(cerrors.KindAmbiguity, "relationship strength must be within [0,1]")
	}
	return nil
}

// ListStatus is the closed enumeration of task-list states.
type ListStatus string

const (
	ListDraft      ListStatus = "draft"
	ListReady      ListStatus = "ready"
	ListInProgress ListStatus = "in_progress"
	ListPaused     ListStatus = "paused"
	ListCompleted  ListStatus = "completed"
	ListFailed     ListStatus = "failed"
	ListArchived   ListStatus = "archived"
)

// ItemStatus tracks a task's state within a specific list membership,
// independent of the task's own global Status.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemRunning   ItemStatus = "running"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

// ListItem is one row of a task list's membership table.
type ListItem struct {
	TaskID   string
	Position int
	Status   ItemStatus
}

// List is an ordered collection of tasks executed together.
type List struct {
	mu sync.RWMutex

	ID     string
	Name   string
	status ListStatus

	UserApprovalRequired bool
	AutoExecuteLowRisk   bool

	Items []ListItem

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewList creates an empty list in ListDraft.
func NewList(name string) *List {
	now := time.Now().UTC()
	return &List{
		ID:        uuid.NewString(),
		Name:      name,
		status:    ListDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ListSnapshot is List's persistable flattened form.
type ListSnapshot struct {
	ID                   string
	Name                 string
	Status               ListStatus
	UserApprovalRequired bool
	AutoExecuteLowRisk   bool
	Items                []ListItem
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// LoadList reconstructs a List from a persisted ListSnapshot.
func LoadList(s ListSnapshot) *List {
	return &List{
		ID:                   s.ID,
		Name:                 s.Name,
		status:               s.Status,
		UserApprovalRequired: s.UserApprovalRequired,
		AutoExecuteLowRisk:   s.AutoExecuteLowRisk,
		Items:                s.Items,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

// Snapshot flattens the List into its persistable form.
func (l *List) Snapshot() ListSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return ListSnapshot{
		ID:                   l.ID,
		Name:                 l.Name,
		Status:               l.status,
		UserApprovalRequired: l.UserApprovalRequired,
		AutoExecuteLowRisk:   l.AutoExecuteLowRisk,
		Items:                append([]ListItem(nil), l.Items...),
		CreatedAt:            l.CreatedAt,
		UpdatedAt:            l.UpdatedAt,
	}
}

// Status returns the current list status (thread-safe).
func (l *List) Status() ListStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// SetStatus updates the list status.
func (l *List) SetStatus(s ListStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = s
	l.UpdatedAt = time.Now().UTC()
}

// AddTask appends a task to the list's membership at the next position.
func (l *List) AddTask(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Items = append(l.Items, ListItem{TaskID: taskID, Position: len(l.Items), Status: ItemPending})
	l.UpdatedAt = time.Now().UTC()
}

// Progress returns (total, completed, failed) counters derived from item
// statuses, matching the Task List's progress counters in spec §3.
func (l *List) Progress() (total, completed, failed int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total = len(l.Items)
	for _, it := range l.Items {
		switch it.Status {
		case ItemCompleted:
			completed++
		case ItemFailed:
			failed++
		}
	}
	return
}

// SetItemStatus updates one item's status within the list.
func (l *List) SetItemStatus(taskID string, status ItemStatus) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.Items {
		if l.Items[i].TaskID == taskID {
			l.Items[i].Status = status
			l.UpdatedAt = time.Now().UTC()
			return true
		}
	}
	return false
}
