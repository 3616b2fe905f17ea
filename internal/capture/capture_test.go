package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/standup-recorder/internal/config"
	"github.com/loqalabs/standup-recorder/internal/failure"
	"github.com/loqalabs/standup-recorder/internal/natsserver"
	"github.com/loqalabs/standup-recorder/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newTestSource(t *testing.T, timeoutMS int) *BusSource {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return NewBusSource(conn, config.CaptureConfig{PermissionTimeoutMS: timeoutMS, FrameBuffer: 8}, logger)
}

func TestAcquireWaitsForGrant(t *testing.T) {
	src := newTestSource(t, 2000)
	go func() {
		time.Sleep(20 * time.Millisecond)
		src.Grant("s1", true)
	}()

	stream, err := src.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if src.Permission("s1") != PermissionGranted {
		t.Fatalf("expected granted permission, got %s", src.Permission("s1"))
	}

	if err := src.Ingest(protocol.AudioFrame{SessionID: "s1", Sequence: 1, PCM: []byte{1, 2}}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	select {
	case frame := <-stream.Frames():
		if frame.Sequence != 1 || len(frame.PCM) != 2 {
			t.Fatalf("unexpected frame %+v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}

	if err := stream.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := stream.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if _, ok := <-stream.Frames(); ok {
		t.Fatal("expected frames to be closed after release")
	}
	if src.Active() != 0 {
		t.Fatalf("expected no active streams, got %d", src.Active())
	}
}

func TestAcquireDenied(t *testing.T) {
	src := newTestSource(t, 2000)
	src.Grant("s1", false)
	if _, err := src.Acquire(context.Background(), "s1"); !errors.Is(err, failure.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	// the denial is consumed; a later grant allows capture
	src.Grant("s1", true)
	stream, err := src.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("acquire after grant: %v", err)
	}
	_ = stream.Release()
}

func TestAcquireTimesOut(t *testing.T) {
	src := newTestSource(t, 30)
	if _, err := src.Acquire(context.Background(), "s1"); !errors.Is(err, failure.ErrPermissionDenied) {
		t.Fatalf("expected permission denied on timeout, got %v", err)
	}
	if src.Permission("s1") != PermissionPrompt {
		t.Fatalf("expected prompt state after timeout, got %s", src.Permission("s1"))
	}
}

func TestAcquireConflict(t *testing.T) {
	src := newTestSource(t, 2000)
	src.Grant("s1", true)
	stream, err := src.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer stream.Release()
	if _, err := src.Acquire(context.Background(), "s1"); !errors.Is(err, failure.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestIngestRequiresActiveStream(t *testing.T) {
	src := newTestSource(t, 2000)
	if err := src.Ingest(protocol.AudioFrame{SessionID: "idle"}); !errors.Is(err, failure.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestForgetReleasesStream(t *testing.T) {
	src := newTestSource(t, 2000)
	src.Grant("s1", true)
	stream, err := src.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	src.Forget("s1")
	if _, ok := <-stream.Frames(); ok {
		t.Fatal("expected frames to be closed")
	}
	if src.Permission("s1") != PermissionPrompt {
		t.Fatalf("expected permission to be dropped, got %s", src.Permission("s1"))
	}
}

func TestReleaseDeliversPublishedFrames(t *testing.T) {
	src := newTestSource(t, 2000)
	src.Grant("s1", true)
	stream, err := src.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for i, text := range []string{"one", "two", "three"} {
		frame := protocol.AudioFrame{SessionID: "s1", Sequence: i, PCM: []byte(text), Final: i == 2}
		if err := src.Ingest(frame); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}
	if err := stream.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	var got []protocol.AudioFrame
	for frame := range stream.Frames() {
		got = append(got, frame)
	}
	if len(got) != 3 || string(got[2].PCM) != "three" || !got[2].Final {
		t.Fatalf("expected all published frames before close, got %+v", got)
	}
}
