package state

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrBadSnapshot  = errors.New("malformed persisted snapshot")
)

// Logger is the minimal logging surface long-running components accept.
type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// Backend persists the snapshot. When nil and StateFile is set, a JSON
	// file backend is built; when both are empty the store is ephemeral.
	Backend   StateBackend
	StateFile string
	Logger    Logger
}

// Store is the normalized client state. All reads go through Snapshot();
// all writes go through the per-slice Replace/Merge setters, each of which
// swaps in a freshly built Snapshot and persists it in the same step.
type Store struct {
	mu      sync.RWMutex
	snap    *Snapshot
	backend StateBackend
	logger  Logger
}

func New(opts Options) (*Store, error) {
	backend := opts.Backend
	if backend == nil && opts.StateFile != "" {
		backend = NewJSONFileStateBackend(opts.StateFile)
	}
	s := &Store{
		snap:    defaultSnapshot(),
		backend: backend,
		logger:  opts.Logger,
	}
	if err := s.restore(); err != nil {
		return nil, err
	}
	return s, nil
}

// restore seeds the snapshot from the backend before anything else runs.
// The restored record replaces the defaults wholesale; unread_count is the
// one value recomputed rather than trusted, since restore is a wholesale
// replace of the notification collection.
func (s *Store) restore() error {
	if s.backend == nil {
		return nil
	}
	persisted, err := s.backend.Load()
	if err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	if persisted == nil {
		return nil
	}
	if persisted.SchemaVersion != snapshotSchemaVersion {
		return fmt.Errorf("%w: schema version %d, want %d", ErrBadSnapshot, persisted.SchemaVersion, snapshotSchemaVersion)
	}
	snap := persisted.Snapshot
	normalizeSnapshot(&snap)
	snap.UnreadCount = countUnread(snap.Notifications)
	s.snap = &snap
	return nil
}

// normalizeSnapshot replaces nil collections with empty ones so a restored
// snapshot behaves like a freshly built one.
func normalizeSnapshot(snap *Snapshot) {
	if snap.Workspaces == nil {
		snap.Workspaces = []Workspace{}
	}
	if snap.TaskLists == nil {
		snap.TaskLists = []TaskList{}
	}
	if snap.Tasks == nil {
		snap.Tasks = map[int64]Task{}
	}
	if snap.SelectedTasks == nil {
		snap.SelectedTasks = []int64{}
	}
	if snap.Tags == nil {
		snap.Tags = []Tag{}
	}
	if snap.AssignedUsers == nil {
		snap.AssignedUsers = []AssignedUser{}
	}
	if snap.Comments == nil {
		snap.Comments = map[int64]Comment{}
	}
	if snap.ActivityLogs == nil {
		snap.ActivityLogs = []ActivityLog{}
	}
	if snap.Notifications == nil {
		snap.Notifications = []Notification{}
	}
}

// Snapshot returns the current immutable state. Callers must not mutate the
// returned value or anything reachable from it.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Store) Close() error {
	if closer, ok := s.backend.(stateBackendCloser); ok && closer != nil {
		return closer.Close()
	}
	return nil
}

// mutate clones the current snapshot, applies fn, persists the result and
// swaps it in. The clone/apply/persist/swap sequence runs under the write
// lock, so no two mutations interleave and readers never observe a torn
// write. When fn returns false the clone is discarded: a no-op leaves the
// previous snapshot identity intact and writes nothing to the backend.
func (s *Store) mutate(fn func(next *Snapshot) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snap.clone()
	if !fn(next) {
		return nil
	}
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.snap = next
	return nil
}

func (s *Store) persistLocked(next *Snapshot) error {
	if s.backend == nil {
		return nil
	}
	if err := s.backend.Save(&persistedState{SchemaVersion: snapshotSchemaVersion, Snapshot: *next}); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// Reset restores the snapshot to its defaults and persists it. Used at
// logout, when the session-scoped slices are destroyed.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := defaultSnapshot()
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.snap = next
	return nil
}

// ReloadFromBackend re-reads the persisted record and replaces the in-memory
// snapshot wholesale. Used when a sibling process rewrote the state file.
func (s *Store) ReloadFromBackend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restore()
}

func (s *Store) ReplaceAuth(auth AuthState) error {
	return s.mutate(func(next *Snapshot) bool {
		next.Auth = auth
		return true
	})
}

func (s *Store) MergeAuth(patch AuthPatch) error {
	return s.mutate(func(next *Snapshot) bool {
		if patch.Token != nil {
			next.Auth.Token = *patch.Token
		}
		if patch.Authenticated != nil {
			next.Auth.Authenticated = *patch.Authenticated
		}
		if patch.UserID != nil {
			next.Auth.UserID = *patch.UserID
		}
		return true
	})
}

func (s *Store) ReplaceUserProfile(profile UserProfile) error {
	return s.mutate(func(next *Snapshot) bool {
		next.UserProfile = profile
		return true
	})
}

func (s *Store) MergeUserProfile(patch UserProfilePatch) error {
	return s.mutate(func(next *Snapshot) bool {
		if patch.FullName != nil {
			next.UserProfile.FullName = *patch.FullName
		}
		if patch.Email != nil {
			next.UserProfile.Email = *patch.Email
		}
		return true
	})
}

func (s *Store) ReplaceUserSetting(setting UserSetting) error {
	return s.mutate(func(next *Snapshot) bool {
		next.UserSetting = setting
		return true
	})
}

func (s *Store) MergeUserSetting(patch UserSettingPatch) error {
	return s.mutate(func(next *Snapshot) bool {
		if patch.Timezone != nil {
			next.UserSetting.Timezone = *patch.Timezone
		}
		if patch.NotifyByEmail != nil {
			next.UserSetting.NotifyByEmail = *patch.NotifyByEmail
		}
		if patch.Theme != nil {
			next.UserSetting.Theme = *patch.Theme
		}
		return true
	})
}

func (s *Store) ReplaceWorkspaces(workspaces []Workspace) error {
	return s.mutate(func(next *Snapshot) bool {
		next.Workspaces = append([]Workspace{}, workspaces...)
		return true
	})
}

func (s *Store) ReplaceTaskLists(lists []TaskList) error {
	return s.mutate(func(next *Snapshot) bool {
		next.TaskLists = append([]TaskList{}, lists...)
		return true
	})
}

func (s *Store) ReplaceCurrentContext(ctx CurrentContext) error {
	return s.mutate(func(next *Snapshot) bool {
		next.CurrentContext = ctx
		return true
	})
}

func (s *Store) MergeCurrentContext(patch CurrentContextPatch) error {
	return s.mutate(func(next *Snapshot) bool {
		if patch.WorkspaceID != nil {
			id := *patch.WorkspaceID
			next.CurrentContext.WorkspaceID = &id
		}
		if patch.TaskListID != nil {
			id := *patch.TaskListID
			next.CurrentContext.TaskListID = &id
		}
		if patch.MultiSelect != nil {
			next.CurrentContext.MultiSelect = *patch.MultiSelect
		}
		return true
	})
}

// ReplaceTasks rebuilds the task map wholesale from a bulk fetch. Selected
// task ids whose task is gone or inactive in the new collection are pruned
// in the same step.
func (s *Store) ReplaceTasks(tasks []Task) error {
	return s.mutate(func(next *Snapshot) bool {
		next.Tasks = make(map[int64]Task, len(tasks))
		for _, task := range tasks {
			next.Tasks[task.TaskID] = task
		}
		selected := make([]int64, 0, len(next.SelectedTasks))
		for _, id := range next.SelectedTasks {
			if task, ok := next.Tasks[id]; ok && task.IsActive {
				selected = append(selected, id)
			}
		}
		next.SelectedTasks = selected
		return true
	})
}

// UpsertTask inserts or replaces one full task record by id.
func (s *Store) UpsertTask(task Task) error {
	return s.mutate(func(next *Snapshot) bool {
		next.Tasks[task.TaskID] = task
		return true
	})
}

// MergeTask applies a field-presence patch to an existing task. Returns
// false without mutating anything when the id is absent: a patch is not a
// complete entity, so inserting from it would plant a partial record.
func (s *Store) MergeTask(taskID int64, patch TaskPatch) (bool, error) {
	applied := false
	err := s.mutate(func(next *Snapshot) bool {
		task, ok := next.Tasks[taskID]
		if !ok {
			return false
		}
		applyTaskPatch(&task, patch)
		next.Tasks[taskID] = task
		applied = true
		return true
	})
	return applied, err
}

func applyTaskPatch(task *Task, patch TaskPatch) {
	if patch.TaskListID != nil {
		task.TaskListID = *patch.TaskListID
	}
	if patch.ParentTaskID != nil {
		id := *patch.ParentTaskID
		task.ParentTaskID = &id
	}
	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Priority != nil {
		task.Priority = *patch.Priority
	}
	if patch.DueAt != nil {
		due := *patch.DueAt
		task.DueAt = &due
	}
	if patch.EstimateMinutes != nil {
		estimate := *patch.EstimateMinutes
		task.EstimateMinutes = &estimate
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	if patch.UpdatedAt != nil {
		task.UpdatedAt = *patch.UpdatedAt
	}
	if patch.IsCompleted != nil {
		task.IsCompleted = *patch.IsCompleted
	}
	if patch.Position != nil {
		task.Position = *patch.Position
	}
	if patch.IsActive != nil {
		task.IsActive = *patch.IsActive
	}
	if patch.Recurrence != nil {
		recurrence := *patch.Recurrence
		task.Recurrence = &recurrence
	}
	if patch.Tags != nil {
		task.Tags = append([]TaskTag{}, (*patch.Tags)...)
	}
	if patch.AssignedUsers != nil {
		task.AssignedUsers = append([]TaskAssignee{}, (*patch.AssignedUsers)...)
	}
}

func (s *Store) ReplaceSelectedTasks(ids []int64) error {
	return s.mutate(func(next *Snapshot) bool {
		next.SelectedTasks = append([]int64{}, ids...)
		return true
	})
}

func (s *Store) ReplaceTags(tags []Tag) error {
	return s.mutate(func(next *Snapshot) bool {
		next.Tags = append([]Tag{}, tags...)
		return true
	})
}

func (s *Store) ReplaceAssignedUsers(assignees []AssignedUser) error {
	return s.mutate(func(next *Snapshot) bool {
		next.AssignedUsers = append([]AssignedUser{}, assignees...)
		return true
	})
}

func (s *Store) ReplaceComments(comments []Comment) error {
	return s.mutate(func(next *Snapshot) bool {
		next.Comments = make(map[int64]Comment, len(comments))
		for _, comment := range comments {
			next.Comments[comment.CommentID] = comment
		}
		return true
	})
}

// UpsertComment inserts or replaces one full comment record by id.
func (s *Store) UpsertComment(comment Comment) error {
	return s.mutate(func(next *Snapshot) bool {
		next.Comments[comment.CommentID] = comment
		return true
	})
}

// MergeComment applies a field-presence patch to an existing comment.
// Returns false without mutating anything when the id is absent.
func (s *Store) MergeComment(commentID int64, patch CommentPatch) (bool, error) {
	applied := false
	err := s.mutate(func(next *Snapshot) bool {
		comment, ok := next.Comments[commentID]
		if !ok {
			return false
		}
		if patch.Content != nil {
			comment.Content = *patch.Content
		}
		if patch.UpdatedAt != nil {
			comment.UpdatedAt = *patch.UpdatedAt
		}
		if patch.IsDeleted != nil {
			comment.IsDeleted = *patch.IsDeleted
		}
		next.Comments[commentID] = comment
		applied = true
		return true
	})
	return applied, err
}

func (s *Store) ReplaceActivityLogs(logs []ActivityLog) error {
	return s.mutate(func(next *Snapshot) bool {
		next.ActivityLogs = append([]ActivityLog{}, logs...)
		return true
	})
}

// PrependActivityLog inserts at the front, keeping newest-first order.
func (s *Store) PrependActivityLog(entry ActivityLog) error {
	return s.mutate(func(next *Snapshot) bool {
		next.ActivityLogs = append([]ActivityLog{entry}, next.ActivityLogs...)
		return true
	})
}

// ReplaceNotifications swaps the whole collection and recomputes
// unread_count once. This is the only write path allowed to recompute by
// scanning; every other path applies a delta.
func (s *Store) ReplaceNotifications(notifications []Notification) error {
	return s.mutate(func(next *Snapshot) bool {
		next.Notifications = append([]Notification{}, notifications...)
		next.UnreadCount = countUnread(next.Notifications)
		return true
	})
}

// PrependNotification inserts at the front and bumps unread_count iff the
// notification is unread, in the same atomic step.
func (s *Store) PrependNotification(notification Notification) error {
	return s.mutate(func(next *Snapshot) bool {
		next.Notifications = append([]Notification{notification}, next.Notifications...)
		if !notification.IsRead {
			next.UnreadCount++
		}
		return true
	})
}

// MarkNotificationRead flips the read flag and applies the matching
// unread_count delta. Returns false when the id is absent; flipping to the
// value already held keeps the count untouched.
func (s *Store) MarkNotificationRead(notificationID int64, read bool) (bool, error) {
	applied := false
	err := s.mutate(func(next *Snapshot) bool {
		for i, n := range next.Notifications {
			if n.NotificationID != notificationID {
				continue
			}
			if n.IsRead != read {
				if read {
					next.UnreadCount--
				} else {
					next.UnreadCount++
				}
			}
			next.Notifications[i].IsRead = read
			applied = true
			return true
		}
		return false
	})
	return applied, err
}

// MarkAllNotificationsRead flips every unread notification and zeroes the
// count in one step.
func (s *Store) MarkAllNotificationsRead() error {
	return s.mutate(func(next *Snapshot) bool {
		for i := range next.Notifications {
			next.Notifications[i].IsRead = true
		}
		next.UnreadCount = 0
		return true
	})
}

// RecordUndo overwrites the single undo slot unconditionally. Only the most
// recent undo-able action is ever visible.
func (s *Store) RecordUndo(entry UndoEntry) error {
	return s.mutate(func(next *Snapshot) bool {
		next.Undo = &entry
		return true
	})
}

// ClearUndo empties the slot, typically after the action was undone.
func (s *Store) ClearUndo() error {
	return s.mutate(func(next *Snapshot) bool {
		next.Undo = nil
		return true
	})
}
