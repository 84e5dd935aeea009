package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

type countingBackend struct {
	inner     StateBackend
	saveCalls int32
}

func (b *countingBackend) Load() (*persistedState, error) {
	return b.inner.Load()
}

func (b *countingBackend) Save(state *persistedState) error {
	atomic.AddInt32(&b.saveCalls, 1)
	return b.inner.Save(state)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Options{Backend: NewInMemoryStateBackend()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func int64Ptr(v int64) *int64       { return &v }
func strPtr(v string) *string       { return &v }
func boolPtr(v bool) *bool          { return &v }
func timePtr(v time.Time) *time.Time { return &v }

func testTask(id int64) Task {
	return Task{
		TaskID:        id,
		TaskListID:    10,
		Title:         "write report",
		Priority:      PriorityMedium,
		Status:        StatusPending,
		CreatorID:     "u1",
		CreatedAt:     time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt:     time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
		IsActive:      true,
		Tags:          []TaskTag{{TagID: 3, Name: "urgent"}},
		AssignedUsers: []TaskAssignee{{UserID: "u2", FullName: strPtr("Bo Chen"), Email: "bo@example.com"}},
	}
}

func testNotification(id int64, read bool) Notification {
	return Notification{
		NotificationID: id,
		RecipientID:    "u1",
		Type:           NotificationAssignment,
		Content:        "you were assigned",
		IsRead:         read,
		CreatedAt:      time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC),
	}
}

func TestSnapshotIsImmutableAcrossMutations(t *testing.T) {
	store := newTestStore(t)
	if err := store.PrependNotification(testNotification(1, false)); err != nil {
		t.Fatalf("prepend: %v", err)
	}

	before := store.Snapshot()
	if err := store.PrependNotification(testNotification(2, false)); err != nil {
		t.Fatalf("prepend: %v", err)
	}
	if err := store.UpsertTask(testTask(1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if len(before.Notifications) != 1 || before.UnreadCount != 1 {
		t.Fatalf("earlier snapshot changed: %d notifications, unread %d", len(before.Notifications), before.UnreadCount)
	}
	if len(before.Tasks) != 0 {
		t.Fatalf("earlier snapshot gained tasks")
	}
	after := store.Snapshot()
	if len(after.Notifications) != 2 || after.UnreadCount != 2 {
		t.Fatalf("new snapshot wrong: %d notifications, unread %d", len(after.Notifications), after.UnreadCount)
	}
}

func TestMergeAuthAppliesOnlyPresentFields(t *testing.T) {
	store := newTestStore(t)
	if err := store.ReplaceAuth(AuthState{Token: "tok_1", Authenticated: true, UserID: "u1"}); err != nil {
		t.Fatalf("replace auth: %v", err)
	}
	if err := store.MergeAuth(AuthPatch{Token: strPtr("")}); err != nil {
		t.Fatalf("merge auth: %v", err)
	}
	auth := store.Snapshot().Auth
	if auth.Token != "" {
		t.Fatalf("explicitly cleared token survived: %q", auth.Token)
	}
	if !auth.Authenticated || auth.UserID != "u1" {
		t.Fatalf("unsent fields changed: %+v", auth)
	}
}

func TestMergeTaskAbsentIDLeavesStoreUnchanged(t *testing.T) {
	store := newTestStore(t)
	before := store.Snapshot()
	applied, err := store.MergeTask(404, TaskPatch{Title: strPtr("ghost")})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if applied {
		t.Fatalf("merge of unknown id reported applied")
	}
	if store.Snapshot() != before {
		t.Fatalf("expected identity snapshot after no-op merge")
	}
}

func TestMergeTaskFieldPresence(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertTask(testTask(1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	updatedAt := time.Date(2026, 8, 3, 8, 0, 0, 0, time.UTC)
	applied, err := store.MergeTask(1, TaskPatch{
		Title:     strPtr("write final report"),
		Status:    statusPtr(StatusInProgress),
		UpdatedAt: timePtr(updatedAt),
	})
	if err != nil || !applied {
		t.Fatalf("merge failed: applied=%v err=%v", applied, err)
	}
	task := store.Snapshot().Tasks[1]
	if task.Title != "write final report" || task.Status != StatusInProgress {
		t.Fatalf("patched fields not applied: %+v", task)
	}
	if !task.UpdatedAt.Equal(updatedAt) {
		t.Fatalf("updated_at not applied: %v", task.UpdatedAt)
	}
	if task.Priority != PriorityMedium || len(task.Tags) != 1 || len(task.AssignedUsers) != 1 {
		t.Fatalf("unsent fields changed: %+v", task)
	}
}

func statusPtr(s TaskStatus) *TaskStatus { return &s }

func TestSoftDeleteKeepsTaskInMap(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertTask(testTask(1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	applied, err := store.MergeTask(1, TaskPatch{IsActive: boolPtr(false)})
	if err != nil || !applied {
		t.Fatalf("soft delete failed: applied=%v err=%v", applied, err)
	}
	task, ok := store.Snapshot().Tasks[1]
	if !ok {
		t.Fatalf("soft-deleted task removed from map")
	}
	if task.IsActive {
		t.Fatalf("task still active")
	}
}

func TestUnreadCountInvariantAcrossAllWritePaths(t *testing.T) {
	store := newTestStore(t)
	check := func(when string) {
		t.Helper()
		snap := store.Snapshot()
		if snap.UnreadCount != countUnread(snap.Notifications) {
			t.Fatalf("%s: unread_count %d, actual unread %d", when, snap.UnreadCount, countUnread(snap.Notifications))
		}
	}

	if err := store.PrependNotification(testNotification(1, false)); err != nil {
		t.Fatalf("prepend: %v", err)
	}
	check("after unread prepend")
	if err := store.PrependNotification(testNotification(2, true)); err != nil {
		t.Fatalf("prepend: %v", err)
	}
	check("after read prepend")
	if _, err := store.MarkNotificationRead(1, true); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	check("after mark read")
	if _, err := store.MarkNotificationRead(1, true); err != nil {
		t.Fatalf("mark read twice: %v", err)
	}
	check("after idempotent mark read")
	if _, err := store.MarkNotificationRead(1, false); err != nil {
		t.Fatalf("mark unread: %v", err)
	}
	check("after mark unread")
	if err := store.ReplaceNotifications([]Notification{
		testNotification(5, false),
		testNotification(6, false),
		testNotification(7, true),
	}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	check("after wholesale replace")
	if store.Snapshot().UnreadCount != 2 {
		t.Fatalf("wholesale replace computed %d, want 2", store.Snapshot().UnreadCount)
	}
	if err := store.MarkAllNotificationsRead(); err != nil {
		t.Fatalf("mark all: %v", err)
	}
	check("after mark all read")
	if store.Snapshot().UnreadCount != 0 {
		t.Fatalf("mark all left unread_count %d", store.Snapshot().UnreadCount)
	}
}

func TestPrependOrdering(t *testing.T) {
	store := newTestStore(t)
	if err := store.PrependNotification(testNotification(1, false)); err != nil {
		t.Fatalf("prepend: %v", err)
	}
	if err := store.PrependNotification(testNotification(2, false)); err != nil {
		t.Fatalf("prepend: %v", err)
	}
	if err := store.PrependActivityLog(ActivityLog{ActivityID: 1, ActorID: "u1", ActivityType: "task_created"}); err != nil {
		t.Fatalf("prepend log: %v", err)
	}
	if err := store.PrependActivityLog(ActivityLog{ActivityID: 2, ActorID: "u1", ActivityType: "task_updated"}); err != nil {
		t.Fatalf("prepend log: %v", err)
	}
	snap := store.Snapshot()
	if snap.Notifications[0].NotificationID != 2 {
		t.Fatalf("newest notification not first: %d", snap.Notifications[0].NotificationID)
	}
	if snap.ActivityLogs[0].ActivityID != 2 {
		t.Fatalf("newest activity not first: %d", snap.ActivityLogs[0].ActivityID)
	}
}

func TestRecordUndoOverwritesUnconditionally(t *testing.T) {
	store := newTestStore(t)
	if err := store.RecordUndo(UndoEntry{UndoID: 42, EntityType: UndoEntityComment, EntityID: 9}); err != nil {
		t.Fatalf("record: %v", err)
	}
	at := time.Date(2026, 8, 4, 10, 0, 0, 0, time.UTC)
	if err := store.RecordUndo(UndoEntry{UndoID: UndoIDRealtime, EntityType: UndoEntityTask, EntityID: 7, CreatedAt: at}); err != nil {
		t.Fatalf("record: %v", err)
	}
	undo := store.Snapshot().Undo
	if undo == nil || undo.EntityType != UndoEntityTask || undo.EntityID != 7 || undo.UndoID != UndoIDRealtime {
		t.Fatalf("prior undo content survived: %+v", undo)
	}
	if err := store.ClearUndo(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if store.Snapshot().Undo != nil {
		t.Fatalf("undo slot not cleared")
	}
}

func TestReplaceTasksPrunesSelectedTasks(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertTask(testTask(1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.ReplaceSelectedTasks([]int64{1, 2, 3}); err != nil {
		t.Fatalf("select: %v", err)
	}

	inactive := testTask(3)
	inactive.IsActive = false
	if err := store.ReplaceTasks([]Task{testTask(1), inactive}); err != nil {
		t.Fatalf("replace tasks: %v", err)
	}
	selected := store.Snapshot().SelectedTasks
	if !reflect.DeepEqual(selected, []int64{1}) {
		t.Fatalf("selection not pruned to live tasks: %v", selected)
	}
}

func TestEveryMutationPersists(t *testing.T) {
	backend := &countingBackend{inner: NewInMemoryStateBackend()}
	store, err := New(Options{Backend: backend})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.UpsertTask(testTask(1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.PrependNotification(testNotification(1, false)); err != nil {
		t.Fatalf("prepend: %v", err)
	}
	if got := atomic.LoadInt32(&backend.saveCalls); got != 2 {
		t.Fatalf("expected one save per mutation, got %d", got)
	}
}

func TestPersistenceRoundTripAllSlices(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "state.json")
	store, err := New(Options{StateFile: stateFile})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	workspaceID := int64Ptr(1)
	if err := store.ReplaceAuth(AuthState{Token: "tok", Authenticated: true, UserID: "u1"}); err != nil {
		t.Fatalf("auth: %v", err)
	}
	if err := store.ReplaceUserProfile(UserProfile{UserID: "u1", FullName: "Ada", Email: "ada@example.com"}); err != nil {
		t.Fatalf("profile: %v", err)
	}
	if err := store.ReplaceUserSetting(UserSetting{UserID: "u1", Timezone: "UTC", NotifyByEmail: true, Theme: "dark"}); err != nil {
		t.Fatalf("setting: %v", err)
	}
	if err := store.ReplaceWorkspaces([]Workspace{{WorkspaceID: 1, Name: "Acme", Role: RoleAdmin}}); err != nil {
		t.Fatalf("workspaces: %v", err)
	}
	if err := store.ReplaceTaskLists([]TaskList{{TaskListID: 10, Name: "Sprint", WorkspaceID: workspaceID, Position: 1, IncompleteCount: 2}}); err != nil {
		t.Fatalf("lists: %v", err)
	}
	if err := store.ReplaceCurrentContext(CurrentContext{WorkspaceID: workspaceID, MultiSelect: true}); err != nil {
		t.Fatalf("context: %v", err)
	}
	if err := store.ReplaceTasks([]Task{testTask(1)}); err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if err := store.ReplaceSelectedTasks([]int64{1}); err != nil {
		t.Fatalf("selected: %v", err)
	}
	if err := store.ReplaceTags([]Tag{{TagID: 3, Name: "urgent", WorkspaceID: workspaceID}}); err != nil {
		t.Fatalf("tags: %v", err)
	}
	if err := store.ReplaceAssignedUsers([]AssignedUser{{TaskID: 1, UserID: "u2", Email: "bo@example.com"}}); err != nil {
		t.Fatalf("assignees: %v", err)
	}
	if err := store.ReplaceComments([]Comment{{CommentID: 5, TaskID: 1, AuthorID: "u2", Content: "done?", CreatedAt: time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC), UpdatedAt: time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)}}); err != nil {
		t.Fatalf("comments: %v", err)
	}
	if err := store.ReplaceActivityLogs([]ActivityLog{{ActivityID: 9, ActorID: "u2", ActivityType: "comment_added", CreatedAt: time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)}}); err != nil {
		t.Fatalf("logs: %v", err)
	}
	if err := store.ReplaceNotifications([]Notification{testNotification(1, false)}); err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if err := store.RecordUndo(UndoEntry{UndoID: 8, EntityType: UndoEntityTag, EntityID: 3, CreatedAt: time.Date(2026, 8, 2, 11, 0, 0, 0, time.UTC)}); err != nil {
		t.Fatalf("undo: %v", err)
	}
	want := store.Snapshot()
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	restored, err := New(Options{StateFile: stateFile})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	got := restored.Snapshot()
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("round trip mismatch:\nwant %+v\ngot  %+v", want, got)
	}
	if got.UnreadCount != 1 {
		t.Fatalf("unread_count not recomputed on restore: %d", got.UnreadCount)
	}
}

func TestRestoreRejectsUnknownSchemaVersion(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "state.json")
	record := map[string]any{"schema_version": 99}
	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(stateFile, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err = New(Options{StateFile: stateFile})
	if !errors.Is(err, ErrBadSnapshot) {
		t.Fatalf("expected ErrBadSnapshot, got %v", err)
	}
}

func TestResetRestoresDefaults(t *testing.T) {
	store := newTestStore(t)
	if err := store.ReplaceAuth(AuthState{Token: "tok", Authenticated: true, UserID: "u1"}); err != nil {
		t.Fatalf("auth: %v", err)
	}
	if err := store.PrependNotification(testNotification(1, false)); err != nil {
		t.Fatalf("prepend: %v", err)
	}
	if err := store.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	snap := store.Snapshot()
	if snap.Auth.Authenticated || snap.UnreadCount != 0 || len(snap.Notifications) != 0 {
		t.Fatalf("reset left session state behind: %+v", snap)
	}
}
