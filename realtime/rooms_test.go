package realtime

import (
	"errors"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
)

func TestJoinRoomLeavesPreviousFirst(t *testing.T) {
	sig := &fakeSignaler{}
	logger, _ := test.NewNullLogger()
	r := NewRoomTracker(sig, logger)

	r.JoinRoom("board-1")
	r.JoinRoom("board-2")

	want := []emitted{
		{EventJoinBoard, "board-1"},
		{EventLeaveBoard, "board-1"},
		{EventJoinBoard, "board-2"},
	}
	if !reflect.DeepEqual(sig.events, want) {
		t.Fatalf("unexpected signals:\n got %+v\nwant %+v", sig.events, want)
	}
	if cur, ok := r.Current(); !ok || cur != "board-2" {
		t.Fatalf("expected board-2, got %q %v", cur, ok)
	}
}

func TestJoinRoomSameRoomIsNoop(t *testing.T) {
	sig := &fakeSignaler{}
	r := NewRoomTracker(sig, nil)

	r.JoinRoom("board-1")
	gen := r.Generation()
	r.JoinRoom("board-1")
	r.JoinRoom("")

	if len(sig.events) != 1 {
		t.Fatalf("expected a single join, got %v", sig.names())
	}
	if r.Generation() != gen {
		t.Fatal("generation should not change on a no-op join")
	}
}

func TestLeaveRoom(t *testing.T) {
	sig := &fakeSignaler{}
	r := NewRoomTracker(sig, nil)

	r.LeaveRoom()
	if len(sig.events) != 0 {
		t.Fatalf("leave while idle should not signal, got %v", sig.names())
	}

	r.JoinRoom("board-1")
	r.LeaveRoom()
	if _, ok := r.Current(); ok {
		t.Fatal("expected idle after leave")
	}
	if got := sig.names(); !reflect.DeepEqual(got, []string{EventJoinBoard, EventLeaveBoard}) {
		t.Fatalf("unexpected signals %v", got)
	}
}

func TestRoomTransitionsSurviveSignalErrors(t *testing.T) {
	sig := &fakeSignaler{err: errors.New("not connected")}
	r := NewRoomTracker(sig, nil)

	r.JoinRoom("board-1")
	if cur, ok := r.Current(); !ok || cur != "board-1" {
		t.Fatal("join should complete even when the signal is dropped")
	}

	sig.err = nil
	r.Rejoin()
	if got := sig.names(); !reflect.DeepEqual(got, []string{EventJoinBoard}) {
		t.Fatalf("rejoin should re-send the join, got %v", got)
	}
}
