package reconcile

import (
	"encoding/json"
	"time"

	"github.com/collabtask/tasksync/internal/state"
)

// Inbound realtime event names. These are the only message types the
// channel carries at this layer.
const (
	EventTaskCreated           = "task_created"
	EventTaskUpdated           = "task_updated"
	EventTaskDeleted           = "task_deleted"
	EventTaskAssignmentChanged = "task_assignment_changed"
	EventCommentAdded          = "comment_added"
	EventCommentUpdated        = "comment_updated"
	EventCommentDeleted        = "comment_deleted"
	EventNotificationReceived  = "notification_received"
	EventActivityLogUpdated    = "activity_log_updated"
	EventUndoActionPerformed   = "undo_action_performed"
)

// Envelope is the wire frame of one server-pushed event.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type TaskUpdatedPayload struct {
	TaskID        int64           `json:"task_id"`
	UpdatedFields state.TaskPatch `json:"updated_fields"`
}

type TaskDeletedPayload struct {
	TaskID int64 `json:"task_id"`
}

type TaskAssignmentChangedPayload struct {
	TaskID          int64    `json:"task_id"`
	AssignedUserIDs []string `json:"assigned_user_ids"`
}

type CommentUpdatedPayload struct {
	CommentID int64     `json:"comment_id"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CommentDeletedPayload struct {
	CommentID int64 `json:"comment_id"`
}

// UndoActionPayload carries no undo id; the reconciler records it under the
// realtime sentinel id.
type UndoActionPayload struct {
	EntityType state.UndoEntityType `json:"entity_type"`
	EntityID   int64                `json:"entity_id"`
	CreatedAt  time.Time            `json:"created_at"`
}
