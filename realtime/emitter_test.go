package realtime

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/CrowderSoup/boardsync/database"
)

type fakeAPI struct {
	CommandAPI
	fail    error
	patches []database.TaskPatch
}

func (f *fakeAPI) UpdateTask(_ context.Context, id string, patch database.TaskPatch) (database.Task, error) {
	if f.fail != nil {
		return database.Task{}, f.fail
	}
	f.patches = append(f.patches, patch)
	return patch.Apply(database.Task{ID: id, BoardID: "b1", ColumnID: "todo", Version: 2}), nil
}

func (f *fakeAPI) DeleteTask(context.Context, string) error {
	return f.fail
}

func TestEmitterMoveBroadcastsAfterREST(t *testing.T) {
	api := &fakeAPI{}
	sig := &fakeSignaler{}
	e := NewEmitter(api, sig, nil)

	task, err := e.MoveTask(context.Background(), MoveEvent{
		TaskID: "t1", FromColumnID: "todo", ToColumnID: "done", NewIndex: 3, BoardID: "b1",
	})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if task.ColumnID != "done" {
		t.Fatalf("expected server task in done, got %q", task.ColumnID)
	}
	if len(api.patches) != 1 || *api.patches[0].ColumnID != "done" {
		t.Fatalf("unexpected REST patch %+v", api.patches)
	}
	if got := sig.names(); !reflect.DeepEqual(got, []string{EventTaskMove, EventManualSync}) {
		t.Fatalf("unexpected broadcasts %v", got)
	}
	ms := sig.events[1].data.(ManualSync)
	if ms.Action != "move" || ms.FromColumn != "todo" || ms.ToColumn != "done" || ms.Task.ID != "t1" {
		t.Fatalf("unexpected manual sync %+v", ms)
	}
}

func TestEmitterSkipsBroadcastOnRESTFailure(t *testing.T) {
	api := &fakeAPI{fail: &APIError{StatusCode: 500}}
	sig := &fakeSignaler{}
	e := NewEmitter(api, sig, nil)

	if err := e.DeleteTask(context.Background(), "t1", "b1"); err == nil {
		t.Fatal("expected error")
	}
	if len(sig.events) != 0 {
		t.Fatalf("nothing should be broadcast, got %v", sig.names())
	}
}

func TestEmitterIgnoresBroadcastFailure(t *testing.T) {
	api := &fakeAPI{}
	sig := &fakeSignaler{err: ErrNotConnected}
	e := NewEmitter(api, sig, nil)

	title := "x"
	if _, err := e.UpdateTask(context.Background(), "t1", database.TaskPatch{Title: &title}); err != nil {
		t.Fatalf("broadcast failure leaked: %v", err)
	}
	if err := e.DeleteTask(context.Background(), "t1", "b1"); errors.Is(err, ErrNotConnected) {
		t.Fatal("broadcast failure leaked from delete")
	}
}
