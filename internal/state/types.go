package state

import "time"

// WorkspaceRole is the caller's role within a workspace.
type WorkspaceRole string

const (
	RoleOwner  WorkspaceRole = "owner"
	RoleAdmin  WorkspaceRole = "admin"
	RoleMember WorkspaceRole = "member"
)

// Priority levels for a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// TaskStatus values for a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
)

// NotificationType identifies what produced a notification.
type NotificationType string

const (
	NotificationReminder     NotificationType = "reminder"
	NotificationAssignment   NotificationType = "assignment"
	NotificationComment      NotificationType = "comment"
	NotificationStatusChange NotificationType = "status_change"
)

// UndoEntityType names the kind of entity an undo entry refers to.
type UndoEntityType string

const (
	UndoEntityTask           UndoEntityType = "task"
	UndoEntityTaskAssignment UndoEntityType = "task_assignment"
	UndoEntityTaskList       UndoEntityType = "task_list"
	UndoEntityComment        UndoEntityType = "comment"
	UndoEntityTag            UndoEntityType = "tag"
)

// UndoIDRealtime is the sentinel undo id used when an undo entry arrives
// over the realtime channel, which carries no id of its own. Consumers must
// key off EntityType/EntityID for such entries.
const UndoIDRealtime int64 = 0

// AuthState holds the session credentials. Mutated wholesale on
// login/logout.
type AuthState struct {
	Token         string `json:"token"`
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"user_id"`
}

// UserProfile is the one profile record for the signed-in user.
type UserProfile struct {
	UserID   string `json:"user_id"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

// UserSetting holds per-user preferences.
type UserSetting struct {
	UserID        string `json:"user_id"`
	Timezone      string `json:"timezone"`
	NotifyByEmail bool   `json:"notify_by_email"`
	Theme         string `json:"theme"`
}

// Workspace is a shared container of task lists.
type Workspace struct {
	WorkspaceID int64         `json:"workspace_id"`
	Name        string        `json:"name"`
	Role        WorkspaceRole `json:"role"`
	IsPersonal  bool          `json:"is_personal"`
}

// TaskList belongs to either a workspace or a user (personal list), never
// both.
type TaskList struct {
	TaskListID      int64   `json:"task_list_id"`
	Name            string  `json:"name"`
	WorkspaceID     *int64  `json:"workspace_id,omitempty"`
	OwnerID         *string `json:"owner_id,omitempty"`
	Position        int     `json:"position"`
	IncompleteCount int     `json:"incomplete_count"`
}

// Tag is scoped to either a workspace or a user, never both.
type Tag struct {
	TagID       int64   `json:"tag_id"`
	Name        string  `json:"name"`
	WorkspaceID *int64  `json:"workspace_id,omitempty"`
	OwnerID     *string `json:"owner_id,omitempty"`
}

// TaskTag is the denormalized tag entry embedded in a Task. It may diverge
// from the authoritative Tag collection until a follow-up fetch reconciles
// them.
type TaskTag struct {
	TagID int64  `json:"tag_id"`
	Name  string `json:"name"`
}

// TaskAssignee is the denormalized assignee entry embedded in a Task.
// FullName is nil for placeholder entries built from an assignment-change
// event, where only the user id is known.
type TaskAssignee struct {
	UserID   string  `json:"user_id"`
	FullName *string `json:"full_name"`
	Email    string  `json:"email"`
}

// AssignedUser is a row of the authoritative task-assignment collection,
// refreshed wholesale by bulk fetch.
type AssignedUser struct {
	TaskID   int64   `json:"task_id"`
	UserID   string  `json:"user_id"`
	FullName *string `json:"full_name"`
	Email    string  `json:"email"`
}

// Task is the central work item. Tasks are never removed from the store;
// IsActive=false marks a soft-deleted task so earlier references stay valid.
type Task struct {
	TaskID          int64          `json:"task_id"`
	TaskListID      int64          `json:"task_list_id"`
	ParentTaskID    *int64         `json:"parent_task_id,omitempty"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Priority        Priority       `json:"priority"`
	DueAt           *time.Time     `json:"due_at,omitempty"`
	EstimateMinutes *int           `json:"estimate_minutes,omitempty"`
	Status          TaskStatus     `json:"status"`
	CreatorID       string         `json:"creator_id"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	IsCompleted     bool           `json:"is_completed"`
	Position        int            `json:"position"`
	IsActive        bool           `json:"is_active"`
	Recurrence      *string        `json:"recurrence,omitempty"`
	Tags            []TaskTag      `json:"tags"`
	AssignedUsers   []TaskAssignee `json:"assigned_users"`
}

// Comment on a task, optionally threaded under a parent comment.
type Comment struct {
	CommentID       int64     `json:"comment_id"`
	TaskID          int64     `json:"task_id"`
	AuthorID        string    `json:"author_id"`
	ParentCommentID *int64    `json:"parent_comment_id,omitempty"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	IsDeleted       bool      `json:"is_deleted"`
}

// ActivityLog is an append-only audit entry, ordered newest-first.
type ActivityLog struct {
	ActivityID   int64          `json:"activity_id"`
	WorkspaceID  *int64         `json:"workspace_id,omitempty"`
	TaskID       *int64         `json:"task_id,omitempty"`
	ActorID      string         `json:"actor_id"`
	ActivityType string         `json:"activity_type"`
	Detail       map[string]any `json:"detail,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Notification surfaced to the user, ordered newest-first.
type Notification struct {
	NotificationID int64            `json:"notification_id"`
	RecipientID    string           `json:"recipient_id"`
	TaskID         *int64           `json:"task_id,omitempty"`
	Type           NotificationType `json:"type"`
	Content        string           `json:"content"`
	IsRead         bool             `json:"is_read"`
	CreatedAt      time.Time        `json:"created_at"`
}

// UndoEntry describes the most recent undo-able server action. UndoID is
// UndoIDRealtime when sourced from a realtime event.
type UndoEntry struct {
	UndoID     int64          `json:"undo_id"`
	EntityType UndoEntityType `json:"entity_type"`
	EntityID   int64          `json:"entity_id"`
	CreatedAt  time.Time      `json:"created_at"`
}

// CurrentContext is the caller's workspace/list focus plus the multi-select
// mode flag. UI-scoped, but persisted for session continuity.
type CurrentContext struct {
	WorkspaceID *int64 `json:"workspace_id,omitempty"`
	TaskListID  *int64 `json:"task_list_id,omitempty"`
	MultiSelect bool   `json:"multi_select"`
}

// Field-presence patches. A nil field means "not sent"; a non-nil field is
// applied even when it points at a zero value, so "explicitly cleared" and
// "unchanged" never collide.

// AuthPatch merges into AuthState field-by-field.
type AuthPatch struct {
	Token         *string `json:"token,omitempty"`
	Authenticated *bool   `json:"authenticated,omitempty"`
	UserID        *string `json:"user_id,omitempty"`
}

// UserProfilePatch merges into UserProfile field-by-field.
type UserProfilePatch struct {
	FullName *string `json:"full_name,omitempty"`
	Email    *string `json:"email,omitempty"`
}

// UserSettingPatch merges into UserSetting field-by-field.
type UserSettingPatch struct {
	Timezone      *string `json:"timezone,omitempty"`
	NotifyByEmail *bool   `json:"notify_by_email,omitempty"`
	Theme         *string `json:"theme,omitempty"`
}

// CurrentContextPatch merges into CurrentContext field-by-field.
type CurrentContextPatch struct {
	WorkspaceID *int64 `json:"workspace_id,omitempty"`
	TaskListID  *int64 `json:"task_list_id,omitempty"`
	MultiSelect *bool  `json:"multi_select,omitempty"`
}

// TaskPatch is a field-presence patch for a Task. Tags and AssignedUsers
// cover the embedded denormalized lists; the realtime wire format never
// carries them inside updated_fields, the reconciler sets them
// programmatically.
type TaskPatch struct {
	TaskListID      *int64          `json:"task_list_id,omitempty"`
	ParentTaskID    *int64          `json:"parent_task_id,omitempty"`
	Title           *string         `json:"title,omitempty"`
	Description     *string         `json:"description,omitempty"`
	Priority        *Priority       `json:"priority,omitempty"`
	DueAt           *time.Time      `json:"due_at,omitempty"`
	EstimateMinutes *int            `json:"estimate_minutes,omitempty"`
	Status          *TaskStatus     `json:"status,omitempty"`
	UpdatedAt       *time.Time      `json:"updated_at,omitempty"`
	IsCompleted     *bool           `json:"is_completed,omitempty"`
	Position        *int            `json:"position,omitempty"`
	IsActive        *bool           `json:"is_active,omitempty"`
	Recurrence      *string         `json:"recurrence,omitempty"`
	Tags            *[]TaskTag      `json:"-"`
	AssignedUsers   *[]TaskAssignee `json:"-"`
}

// CommentPatch is a field-presence patch for a Comment.
type CommentPatch struct {
	Content   *string    `json:"content,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	IsDeleted *bool      `json:"is_deleted,omitempty"`
}

// Snapshot is one immutable point-in-time value of the whole store. Every
// mutation produces a new Snapshot; holders of an old one keep reading
// consistent data.
type Snapshot struct {
	Auth           AuthState          `json:"auth"`
	UserProfile    UserProfile        `json:"user_profile"`
	UserSetting    UserSetting        `json:"user_setting"`
	Workspaces     []Workspace        `json:"workspaces"`
	TaskLists      []TaskList         `json:"task_lists"`
	CurrentContext CurrentContext     `json:"current_context"`
	Tasks          map[int64]Task     `json:"tasks"`
	SelectedTasks  []int64            `json:"selected_tasks"`
	Tags           []Tag              `json:"tags"`
	AssignedUsers  []AssignedUser     `json:"assigned_users"`
	Comments       map[int64]Comment  `json:"comments"`
	ActivityLogs   []ActivityLog      `json:"activity_logs"`
	Notifications  []Notification     `json:"notifications"`
	UnreadCount    int                `json:"unread_count"`
	Undo           *UndoEntry         `json:"undo,omitempty"`
}

func defaultSnapshot() *Snapshot {
	return &Snapshot{
		Workspaces:    []Workspace{},
		TaskLists:     []TaskList{},
		Tasks:         map[int64]Task{},
		SelectedTasks: []int64{},
		Tags:          []Tag{},
		AssignedUsers: []AssignedUser{},
		Comments:      map[int64]Comment{},
		ActivityLogs:  []ActivityLog{},
		Notifications: []Notification{},
	}
}

// clone produces a Snapshot whose top-level collections are fresh copies,
// so a mutation never writes into a value an earlier reader still holds.
func (s *Snapshot) clone() *Snapshot {
	next := *s
	next.Workspaces = append([]Workspace(nil), s.Workspaces...)
	next.TaskLists = append([]TaskList(nil), s.TaskLists...)
	next.SelectedTasks = append([]int64(nil), s.SelectedTasks...)
	next.Tags = append([]Tag(nil), s.Tags...)
	next.AssignedUsers = append([]AssignedUser(nil), s.AssignedUsers...)
	next.ActivityLogs = append([]ActivityLog(nil), s.ActivityLogs...)
	next.Notifications = append([]Notification(nil), s.Notifications...)
	next.Tasks = make(map[int64]Task, len(s.Tasks))
	for id, task := range s.Tasks {
		next.Tasks[id] = task
	}
	next.Comments = make(map[int64]Comment, len(s.Comments))
	for id, comment := range s.Comments {
		next.Comments[id] = comment
	}
	if s.Undo != nil {
		undo := *s.Undo
		next.Undo = &undo
	}
	return &next
}

func countUnread(notifications []Notification) int {
	count := 0
	for _, n := range notifications {
		if !n.IsRead {
			count++
		}
	}
	return count
}
