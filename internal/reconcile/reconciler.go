package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/collabtask/tasksync/internal/state"
)

var (
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Reconciler translates each inbound realtime event into exactly one store
// mutation. Events referencing an entity the store does not hold are
// absorbed as no-ops: the payload is not guaranteed to be a complete
// entity, so inserting from it would plant a partial record.
type Reconciler struct {
	store   *state.Store
	schemas map[string]*jsonschema.Schema
	logger  state.Logger
}

func New(store *state.Store, logger state.Logger) (*Reconciler, error) {
	if store == nil {
		return nil, state.ErrInvalidInput
	}
	schemas, err := compileEventSchemas()
	if err != nil {
		return nil, err
	}
	return &Reconciler{store: store, schemas: schemas, logger: logger}, nil
}

// HandleEvent satisfies the realtime channel's handler contract.
func (r *Reconciler) HandleEvent(env Envelope) error {
	return r.Apply(env)
}

// Apply validates, decodes and applies one event. Applying the same event
// twice leaves the store in the same state as applying it once.
func (r *Reconciler) Apply(env Envelope) error {
	schema, ok := r.schemas[env.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, env.Type)
	}
	if err := validatePayload(schema, env.Data); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
	}
	switch env.Type {
	case EventTaskCreated:
		return r.applyTaskCreated(env.Data)
	case EventTaskUpdated:
		return r.applyTaskUpdated(env.Data)
	case EventTaskDeleted:
		return r.applyTaskDeleted(env.Data)
	case EventTaskAssignmentChanged:
		return r.applyTaskAssignmentChanged(env.Data)
	case EventCommentAdded:
		return r.applyCommentAdded(env.Data)
	case EventCommentUpdated:
		return r.applyCommentUpdated(env.Data)
	case EventCommentDeleted:
		return r.applyCommentDeleted(env.Data)
	case EventNotificationReceived:
		return r.applyNotificationReceived(env.Data)
	case EventActivityLogUpdated:
		return r.applyActivityLogUpdated(env.Data)
	case EventUndoActionPerformed:
		return r.applyUndoActionPerformed(env.Data)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, env.Type)
	}
}

func (r *Reconciler) applyTaskCreated(data []byte) error {
	// A created task is live unless the payload says otherwise.
	task := state.Task{IsActive: true}
	if err := json.Unmarshal(data, &task); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, EventTaskCreated, err)
	}
	if task.Tags == nil {
		task.Tags = []state.TaskTag{}
	}
	if task.AssignedUsers == nil {
		task.AssignedUsers = []state.TaskAssignee{}
	}
	return r.store.UpsertTask(task)
}

// applyTaskUpdated merges the scalar field changes and resets the embedded
// tag/assignee lists to empty. The push payload carries only scalar
// changes, so the cached relational lists can no longer be trusted;
// clearing them is the "known-stale, re-fetch me" signal the UI consumes,
// traded off against one extra round trip.
func (r *Reconciler) applyTaskUpdated(data []byte) error {
	var payload TaskUpdatedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, EventTaskUpdated, err)
	}
	patch := payload.UpdatedFields
	emptyTags := []state.TaskTag{}
	emptyAssignees := []state.TaskAssignee{}
	patch.Tags = &emptyTags
	patch.AssignedUsers = &emptyAssignees
	applied, err := r.store.MergeTask(payload.TaskID, patch)
	if err != nil {
		return err
	}
	if !applied {
		r.skippedStale(EventTaskUpdated, payload.TaskID)
	}
	return nil
}

func (r *Reconciler) applyTaskDeleted(data []byte) error {
	var payload TaskDeletedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, EventTaskDeleted, err)
	}
	inactive := false
	applied, err := r.store.MergeTask(payload.TaskID, state.TaskPatch{IsActive: &inactive})
	if err != nil {
		return err
	}
	if !applied {
		r.skippedStale(EventTaskDeleted, payload.TaskID)
	}
	return nil
}

// applyTaskAssignmentChanged replaces the embedded assignee list with
// placeholder entries built from the pushed ids. Names and emails stay
// unknown until a follow-up fetch fills the authoritative collection.
func (r *Reconciler) applyTaskAssignmentChanged(data []byte) error {
	var payload TaskAssignmentChangedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, EventTaskAssignmentChanged, err)
	}
	assignees := make([]state.TaskAssignee, 0, len(payload.AssignedUserIDs))
	for _, userID := range payload.AssignedUserIDs {
		assignees = append(assignees, state.TaskAssignee{UserID: userID})
	}
	applied, err := r.store.MergeTask(payload.TaskID, state.TaskPatch{AssignedUsers: &assignees})
	if err != nil {
		return err
	}
	if !applied {
		r.skippedStale(EventTaskAssignmentChanged, payload.TaskID)
	}
	return nil
}

func (r *Reconciler) applyCommentAdded(data []byte) error {
	var comment state.Comment
	if err := json.Unmarshal(data, &comment); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, EventCommentAdded, err)
	}
	return r.store.UpsertComment(comment)
}

func (r *Reconciler) applyCommentUpdated(data []byte) error {
	var payload CommentUpdatedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, EventCommentUpdated, err)
	}
	applied, err := r.store.MergeComment(payload.CommentID, state.CommentPatch{
		Content:   &payload.Content,
		UpdatedAt: &payload.UpdatedAt,
	})
	if err != nil {
		return err
	}
	if !applied {
		r.skippedStale(EventCommentUpdated, payload.CommentID)
	}
	return nil
}

func (r *Reconciler) applyCommentDeleted(data []byte) error {
	var payload CommentDeletedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, EventCommentDeleted, err)
	}
	deleted := true
	applied, err := r.store.MergeComment(payload.CommentID, state.CommentPatch{IsDeleted: &deleted})
	if err != nil {
		return err
	}
	if !applied {
		r.skippedStale(EventCommentDeleted, payload.CommentID)
	}
	return nil
}

func (r *Reconciler) applyNotificationReceived(data []byte) error {
	var notification state.Notification
	if err := json.Unmarshal(data, &notification); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, EventNotificationReceived, err)
	}
	return r.store.PrependNotification(notification)
}

func (r *Reconciler) applyActivityLogUpdated(data []byte) error {
	var entry state.ActivityLog
	if err := json.Unmarshal(data, &entry); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, EventActivityLogUpdated, err)
	}
	return r.store.PrependActivityLog(entry)
}

func (r *Reconciler) applyUndoActionPerformed(data []byte) error {
	var payload UndoActionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, EventUndoActionPerformed, err)
	}
	return r.store.RecordUndo(state.UndoEntry{
		UndoID:     state.UndoIDRealtime,
		EntityType: payload.EntityType,
		EntityID:   payload.EntityID,
		CreatedAt:  payload.CreatedAt,
	})
}

func (r *Reconciler) skippedStale(event string, id int64) {
	if r.logger != nil {
		r.logger.Printf("%s for unknown id %d skipped", event, id)
	}
}
