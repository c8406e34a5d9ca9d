package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stentorlabs/stentor/pkg/bus"
	"github.com/stentorlabs/stentor/pkg/engines"
	"github.com/stentorlabs/stentor/pkg/engines/mock"
	"github.com/stentorlabs/stentor/pkg/errorsx"
	"github.com/stentorlabs/stentor/pkg/frames"
	"github.com/stentorlabs/stentor/pkg/metrics"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func newTestRegistry(t *testing.T, maxWorkers int, cfg Config, engineCfg mock.Config) (*Registry, *bus.CapturePublisher, func() *mock.Engine) {
	t.Helper()
	var last *mock.Engine
	factory := func(p engines.Params) engines.StreamingEngine {
		last = mock.New(engineCfg)
		return last
	}
	publisher := bus.NewCapturePublisher()
	registry := NewRegistry(maxWorkers, cfg, factory, publisher, metrics.New("test"))
	return registry, publisher, func() *mock.Engine { return last }
}

func feedFrames(t *testing.T, registry *Registry, callID string, n int) {
	t.Helper()
	gen := frames.NewPTSGen()
	for i := 0; i < n; i++ {
		frame := frames.NewAudioFrame(callID, gen.Next(callID), []byte{byte(i)}, 16000, nil)
		if err := registry.Feed(callID, frame); err != nil {
			t.Fatalf("feed %d: %v", i, err)
		}
	}
}

func TestSessionLifecycleOrderedEvents(t *testing.T) {
	script := []engines.Result{
		engines.Transcription("call-1", "hello there"),
		engines.AIResponse("call-1", "hi, how can I help"),
		engines.Transcription("call-1", "goodbye"),
	}
	registry, publisher, _ := newTestRegistry(t, 4, Config{}, mock.Config{Script: script})

	sess, err := registry.Start("call-1", true)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.State() != StateActive {
		t.Fatalf("expected active session, got %s", sess.State())
	}

	feedFrames(t, registry, "call-1", 3)
	waitFor(t, time.Second, func() bool { return len(publisher.Events()) == 3 }, "all events published")

	registry.Stop("call-1")
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}

	if sess.State() != StateTerminated {
		t.Fatalf("expected terminated, got %s", sess.State())
	}
	if registry.Count() != 0 {
		t.Fatalf("expected empty registry, got %d sessions", registry.Count())
	}

	events := publisher.Events()
	wantKeys := []string{bus.RoutingKeySTT, bus.RoutingKeyAIResponse, bus.RoutingKeySTT}
	for i, key := range wantKeys {
		if events[i].RoutingKey != key {
			t.Fatalf("event %d: routing key %q, want %q", i, events[i].RoutingKey, key)
		}
	}

	body, err := events[0].EncodeBody()
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	var stt struct {
		CallID    string `json:"call_id"`
		ResultSTT string `json:"result_stt"`
	}
	if err := json.Unmarshal(body, &stt); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if stt.CallID != "call-1" || stt.ResultSTT != "hello there" {
		t.Fatalf("unexpected stt body: %+v", stt)
	}

	if got := sess.Transcript(); got != "hello there goodbye" {
		t.Fatalf("unexpected transcript: %q", got)
	}
}

func TestAudioForwardingPreservesOrder(t *testing.T) {
	registry, _, engine := newTestRegistry(t, 1, Config{}, mock.Config{})
	if _, err := registry.Start("call-1", false); err != nil {
		t.Fatalf("start: %v", err)
	}

	feedFrames(t, registry, "call-1", 8)
	waitFor(t, time.Second, func() bool { return len(engine().Chunks()) == 8 }, "chunks forwarded")

	for i, chunk := range engine().Chunks() {
		if len(chunk) != 1 || chunk[0] != byte(i) {
			t.Fatalf("chunk %d out of order: %v", i, chunk)
		}
	}
}

func TestRegistryCapacityLimit(t *testing.T) {
	registry, _, _ := newTestRegistry(t, 2, Config{}, mock.Config{})
	for i := 0; i < 2; i++ {
		if _, err := registry.Start(fmt.Sprintf("call-%d", i), false); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}

	_, err := registry.Start("call-overflow", false)
	if !errorsx.HasReason(err, errorsx.ReasonCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
}

func TestRegistryReadmitsAfterTermination(t *testing.T) {
	registry, _, _ := newTestRegistry(t, 1, Config{}, mock.Config{})
	sess, err := registry.Start("call-1", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := registry.Start("call-2", false); !errorsx.HasReason(err, errorsx.ReasonCapacityExceeded) {
		t.Fatalf("expected capacity error while pool is full, got %v", err)
	}

	registry.Stop("call-1")
	<-sess.Done()
	waitFor(t, time.Second, func() bool { return registry.Count() == 0 }, "slot released")

	// A freed slot admits a new call.
	next, err := registry.Start("call-2", false)
	if err != nil {
		t.Fatalf("start after release: %v", err)
	}
	registry.Stop("call-2")
	<-next.Done()
	waitFor(t, time.Second, func() bool { return registry.Count() == 0 }, "slot released again")

	// The original call ID is re-acceptable once its session is terminal.
	if _, err := registry.Start("call-1", false); err != nil {
		t.Fatalf("restart same call: %v", err)
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	registry, _, _ := newTestRegistry(t, 4, Config{}, mock.Config{})
	if _, err := registry.Start("call-1", false); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := registry.Start("call-1", false)
	if !errorsx.HasReason(err, errorsx.ReasonDuplicateSession) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if registry.Count() != 1 {
		t.Fatalf("expected one session, got %d", registry.Count())
	}
}

func TestStopUnknownCallIsNoop(t *testing.T) {
	registry, _, _ := newTestRegistry(t, 4, Config{}, mock.Config{})
	if err := registry.Stop("never-started"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestFeedUnknownCallFails(t *testing.T) {
	registry, _, _ := newTestRegistry(t, 4, Config{}, mock.Config{})
	frame := frames.NewAudioFrame("ghost", 0, []byte{1}, 16000, nil)
	err := registry.Feed("ghost", frame)
	if !errorsx.HasReason(err, errorsx.ReasonSessionNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestConnectFailureReleasesSlot(t *testing.T) {
	registry, _, _ := newTestRegistry(t, 1, Config{}, mock.Config{
		ConnectErr: errors.New("dial refused"),
	})

	_, err := registry.Start("call-1", false)
	if !errorsx.HasReason(err, errorsx.ReasonEngineConnect) {
		t.Fatalf("expected connect error, got %v", err)
	}
	waitFor(t, time.Second, func() bool { return registry.Count() == 0 }, "slot released")
}

func TestConnectTimeout(t *testing.T) {
	registry, _, _ := newTestRegistry(t, 1,
		Config{ConnectTimeout: 30 * time.Millisecond},
		mock.Config{ConnectDelay: 500 * time.Millisecond})

	start := time.Now()
	_, err := registry.Start("call-1", false)
	if !errorsx.HasReason(err, errorsx.ReasonEngineConnect) {
		t.Fatalf("expected connect error, got %v", err)
	}
	if time.Since(start) > 300*time.Millisecond {
		t.Fatal("connect did not respect timeout")
	}
}

func TestFeedDropsOldestWhenFull(t *testing.T) {
	cfg := Config{QueueDepth: 2}.withDefaults()
	engine := mock.New(mock.Config{})
	sess := newSession("call-1", "trace", cfg, engine, bus.NewCapturePublisher(), metrics.New("test"), nil)
	// No forwarder running: frames stay queued so the eviction order is
	// observable.
	sess.state = StateActive

	for i := 0; i < 4; i++ {
		frame := frames.NewAudioFrame("call-1", int64(i), []byte{byte(i)}, 16000, nil)
		if err := sess.Feed(frame); err != nil {
			t.Fatalf("feed %d: %v", i, err)
		}
	}

	if got := sess.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped frames, got %d", got)
	}
	first := <-sess.audioQ
	second := <-sess.audioQ
	if first.RawPayload()[0] != 2 || second.RawPayload()[0] != 3 {
		t.Fatalf("expected newest frames kept, got %d and %d",
			first.RawPayload()[0], second.RawPayload()[0])
	}
}

func TestFeedKeepsNewestUnderContention(t *testing.T) {
	cfg := Config{QueueDepth: 1}.withDefaults()
	sess := newSession("call-1", "trace", cfg, mock.New(mock.Config{}),
		bus.NewCapturePublisher(), metrics.New("test"), nil)
	sess.state = StateActive

	// Two producers hammer a single-slot queue. Every Feed must land its own
	// frame, so whichever call finishes last leaves its frame queued.
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				frame := frames.NewAudioFrame("call-1", int64(i), []byte{byte(i)}, 16000, nil)
				if err := sess.Feed(frame); err != nil {
					t.Errorf("feed %d: %v", i, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := len(sess.audioQ); got != 1 {
		t.Fatalf("expected one queued frame, got %d", got)
	}
	remaining := <-sess.audioQ
	if remaining.RawPayload()[0] != 49 {
		t.Fatalf("expected a producer's final frame queued, got frame %d",
			remaining.RawPayload()[0])
	}
	if got := sess.Dropped(); got != 99 {
		t.Fatalf("expected 99 dropped frames, got %d", got)
	}
}

func TestFeedRejectedWhenNotActive(t *testing.T) {
	registry, _, _ := newTestRegistry(t, 1, Config{}, mock.Config{})
	sess, err := registry.Start("call-1", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	registry.Stop("call-1")
	<-sess.Done()

	frame := frames.NewAudioFrame("call-1", 0, []byte{1}, 16000, nil)
	if err := sess.Feed(frame); !errorsx.HasReason(err, errorsx.ReasonSessionNotActive) {
		t.Fatalf("expected not-active error, got %v", err)
	}
}

func TestDrainPublishesPendingResults(t *testing.T) {
	script := []engines.Result{
		engines.Transcription("call-1", "last words"),
	}
	registry, publisher, _ := newTestRegistry(t, 1, Config{},
		mock.Config{Script: script, EmitOnDrain: true})

	sess, err := registry.Start("call-1", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	feedFrames(t, registry, "call-1", 1)

	registry.Stop("call-1")
	<-sess.Done()

	if sess.State() != StateTerminated {
		t.Fatalf("expected terminated, got %s", sess.State())
	}
	events := publisher.Events()
	if len(events) != 1 || events[0].RoutingKey != bus.RoutingKeySTT {
		t.Fatalf("expected one stt event after drain, got %v", events)
	}
}

func TestDrainTimeoutForcesClose(t *testing.T) {
	registry, _, _ := newTestRegistry(t, 1,
		Config{DrainTimeout: 50 * time.Millisecond},
		mock.Config{HangOnDrain: true})

	sess, err := registry.Start("call-1", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	registry.Stop("call-1")
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session hung past drain timeout")
	}
	if sess.State() != StateTerminated {
		t.Fatalf("expected terminated, got %s", sess.State())
	}
}

func TestEngineStreamErrorFailsSession(t *testing.T) {
	script := []engines.Result{
		engines.Transcription("call-1", "partial"),
		engines.StreamError("call-1", errorsx.New(errorsx.ReasonEngineStream, "socket reset")),
	}
	registry, _, _ := newTestRegistry(t, 1, Config{}, mock.Config{Script: script})

	sess, err := registry.Start("call-1", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	feedFrames(t, registry, "call-1", 1)

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after stream error")
	}
	if sess.State() != StateFailed {
		t.Fatalf("expected failed, got %s", sess.State())
	}
	waitFor(t, time.Second, func() bool { return registry.Count() == 0 }, "slot released")
}

func TestStopIsIdempotent(t *testing.T) {
	registry, _, _ := newTestRegistry(t, 1, Config{}, mock.Config{})
	sess, err := registry.Start("call-1", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := registry.Stop("call-1"); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
	}
	<-sess.Done()
	if err := registry.Stop("call-1"); err != nil {
		t.Fatalf("stop after done: %v", err)
	}
}

func TestPublishFailureDoesNotStopSession(t *testing.T) {
	script := []engines.Result{
		engines.Transcription("call-1", "one"),
		engines.Transcription("call-1", "two"),
	}
	registry, publisher, _ := newTestRegistry(t, 1, Config{}, mock.Config{Script: script})
	publisher.Fail(errors.New("broker down"))

	sess, err := registry.Start("call-1", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	feedFrames(t, registry, "call-1", 1)

	// Transcript still accumulates even though nothing reaches the bus.
	waitFor(t, time.Second, func() bool { return sess.Transcript() == "one two" }, "transcript accumulated")

	registry.Stop("call-1")
	<-sess.Done()
	if sess.State() != StateTerminated {
		t.Fatalf("expected terminated, got %s", sess.State())
	}
	if len(publisher.Events()) != 0 {
		t.Fatal("expected no captured events while failing")
	}
}

func TestTranscriptKeepsTail(t *testing.T) {
	sess := newSession("call-1", "trace", Config{}, mock.New(mock.Config{}),
		bus.NewCapturePublisher(), metrics.New("test"), nil)

	for i := 0; i < 100; i++ {
		sess.appendTranscript(fmt.Sprintf("fragment-%03d", i))
	}
	got := sess.Transcript()
	if len(got) > transcriptTailLimit {
		t.Fatalf("transcript over limit: %d chars", len(got))
	}
	if got[len(got)-len("fragment-099"):] != "fragment-099" {
		t.Fatalf("expected newest fragment at tail, got %q", got[len(got)-20:])
	}

	sess.appendTranscript("   ")
	if sess.Transcript() != got {
		t.Fatal("blank fragment should be ignored")
	}
}

func TestTranscriptTrimKeepsValidUTF8(t *testing.T) {
	sess := newSession("call-1", "trace", Config{}, mock.New(mock.Config{}),
		bus.NewCapturePublisher(), metrics.New("test"), nil)

	// Runs of two-byte runes make a byte-offset trim land mid-rune.
	fragment := strings.Repeat("é", 9)
	for i := 0; i < 120; i++ {
		sess.appendTranscript(fragment)
		got := sess.Transcript()
		if len(got) > transcriptTailLimit {
			t.Fatalf("append %d: transcript over limit at %d bytes", i, len(got))
		}
		if !utf8.ValidString(got) {
			t.Fatalf("append %d: transcript tail is not valid UTF-8: %q", i, got[:8])
		}
	}
}

func TestCloseAllRefusesNewSessions(t *testing.T) {
	registry, _, _ := newTestRegistry(t, 4, Config{}, mock.Config{})
	sessions := make([]*Session, 0, 3)
	for i := 0; i < 3; i++ {
		sess, err := registry.Start(fmt.Sprintf("call-%d", i), false)
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		sessions = append(sessions, sess)
	}

	registry.CloseAll()
	for _, sess := range sessions {
		<-sess.Done()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !registry.WaitForEmpty(ctx, 10*time.Millisecond) {
		t.Fatal("registry never emptied")
	}

	_, err := registry.Start("call-late", false)
	if !errorsx.HasReason(err, errorsx.ReasonCapacityExceeded) {
		t.Fatalf("expected rejection while draining, got %v", err)
	}
}
