package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"telecare/internal/app/session"
)

// fakeFactory hands out fakeTransports and remembers them in creation
// order, which matches the participant order of the snapshot that triggered
// them.
type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeTransport
	err     error
}

func (f *fakeFactory) create(handlers TransportHandlers) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	transport := &fakeTransport{handlers: handlers}
	f.created = append(f.created, transport)
	return transport, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) transport(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

type sentSignal struct {
	event  session.EventType
	target string
	signal json.RawMessage
}

// fakeSignaling feeds envelopes to the manager and records outbound signals.
type fakeSignaling struct {
	events chan session.Envelope

	mu   sync.Mutex
	sent []sentSignal
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{events: make(chan session.Envelope, 16)}
}

func (f *fakeSignaling) Events() <-chan session.Envelope {
	return f.events
}

func (f *fakeSignaling) SendSignal(event session.EventType, targetConnectionID string, signal json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentSignal{event: event, target: targetConnectionID, signal: signal})
	return nil
}

func (f *fakeSignaling) push(t *testing.T, eventType session.EventType, payload any) {
	t.Helper()

	env, err := session.NewEnvelope(eventType, payload)
	if err != nil {
		t.Fatalf("building %q envelope: %v", eventType, err)
	}
	f.events <- env
}

func (f *fakeSignaling) sentSignals() []sentSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentSignal, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSignaling) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// statusRecorder collects StatusUpdate callbacks.
type statusRecorder struct {
	mu      sync.Mutex
	updates []StatusUpdate
}

func (r *statusRecorder) record(update StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

func (r *statusRecorder) forCounterpart(connID string) []StatusUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []StatusUpdate
	for _, u := range r.updates {
		if u.Counterpart.ConnectionID == connID {
			out = append(out, u)
		}
	}
	return out
}

func startManager(t *testing.T, factory *fakeFactory, callbacks Callbacks) (*Manager, *fakeSignaling, chan error) {
	t.Helper()

	channel := newFakeSignaling()
	mgr := NewManager(channel, factory.create, time.Minute, callbacks)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runDone := make(chan error, 1)
	go func() { runDone <- mgr.Run(ctx) }()

	return mgr, channel, runDone
}

func snapshotPayload(self session.Participant, others ...session.Participant) session.RoomJoinedPayload {
	return session.RoomJoinedPayload{
		RoomID:       "room-1",
		Self:         self,
		Participants: others,
		FallbackURL:  "https://meet.example.com/room-1",
	}
}

func participant(connID, userID string) session.Participant {
	return session.Participant{ConnectionID: connID, UserID: userID, Role: session.RolePatient}
}

func TestJoinerOffersToEveryExistingMember(t *testing.T) {
	factory := &fakeFactory{}
	_, channel, _ := startManager(t, factory, Callbacks{})

	self := participant("conn-self", "user-self")
	channel.push(t, session.EventRoomJoined, snapshotPayload(self,
		participant("conn-a", "user-a"),
		participant("conn-b", "user-b"),
	))

	waitFor(t, func() bool { return channel.sentCount() == 2 }, "offers never sent")

	sent := channel.sentSignals()
	targets := map[string]bool{}
	for _, s := range sent {
		if s.event != session.EventOffer {
			t.Errorf("sent %q, want only offers", s.event)
		}
		targets[s.target] = true
	}
	if !targets["conn-a"] || !targets["conn-b"] {
		t.Errorf("offer targets = %v, want conn-a and conn-b", targets)
	}

	if factory.count() != 2 {
		t.Errorf("created %d transports, want 2", factory.count())
	}
}

func TestJoiningEmptyRoomCreatesNoLinks(t *testing.T) {
	factory := &fakeFactory{}
	_, channel, _ := startManager(t, factory, Callbacks{})

	channel.push(t, session.EventRoomJoined, snapshotPayload(participant("conn-self", "user-self")))

	// user-joined alone must not trigger an offer either; the newcomer
	// initiates toward us.
	channel.push(t, session.EventUserJoined, session.UserEventPayload{
		Participant: participant("conn-a", "user-a"),
	})

	time.Sleep(50 * time.Millisecond)

	if factory.count() != 0 {
		t.Errorf("created %d transports, want 0", factory.count())
	}
	if channel.sentCount() != 0 {
		t.Errorf("sent %d signals, want 0", channel.sentCount())
	}
}

func TestIncomingOfferIsAnswered(t *testing.T) {
	factory := &fakeFactory{}
	_, channel, _ := startManager(t, factory, Callbacks{})

	channel.push(t, session.EventRoomJoined, snapshotPayload(participant("conn-self", "user-self")))
	channel.push(t, session.EventUserJoined, session.UserEventPayload{
		Participant: participant("conn-a", "user-a"),
	})

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	channel.push(t, session.EventOffer, session.SignalPayload{
		SenderConnectionID: "conn-a",
		Signal:             offer,
	})

	waitFor(t, func() bool { return channel.sentCount() == 1 }, "answer never sent")

	sent := channel.sentSignals()[0]
	if sent.event != session.EventAnswer || sent.target != "conn-a" {
		t.Fatalf("sent %q to %q, want answer to conn-a", sent.event, sent.target)
	}

	transport := factory.transport(0)
	transport.mu.Lock()
	accepted := string(transport.acceptedOffer)
	transport.mu.Unlock()
	if accepted != string(offer) {
		t.Errorf("transport saw offer %s, want %s", accepted, offer)
	}

	// A trickled candidate from the same counterpart reaches the same
	// transport.
	channel.push(t, session.EventCandidate, session.SignalPayload{
		SenderConnectionID: "conn-a",
		Signal:             json.RawMessage(`{"candidate":"candidate:1 1 udp"}`),
	})

	waitFor(t, func() bool { return transport.candidateCount() == 1 }, "candidate never applied")
}

func TestAnswerRoutedToInitiatorLink(t *testing.T) {
	factory := &fakeFactory{}
	_, channel, _ := startManager(t, factory, Callbacks{})

	channel.push(t, session.EventRoomJoined, snapshotPayload(
		participant("conn-self", "user-self"),
		participant("conn-a", "user-a"),
	))

	waitFor(t, func() bool { return channel.sentCount() == 1 }, "offer never sent")

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	channel.push(t, session.EventAnswer, session.SignalPayload{
		SenderConnectionID: "conn-a",
		Signal:             answer,
	})

	transport := factory.transport(0)
	waitFor(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return string(transport.acceptedAnswer) == string(answer)
	}, "answer never applied to the initiator transport")
}

func TestUserLeftClosesOnlyThatLink(t *testing.T) {
	factory := &fakeFactory{}
	rec := &statusRecorder{}
	_, channel, _ := startManager(t, factory, Callbacks{OnStatus: rec.record})

	channel.push(t, session.EventRoomJoined, snapshotPayload(
		participant("conn-self", "user-self"),
		participant("conn-a", "user-a"),
		participant("conn-b", "user-b"),
	))

	waitFor(t, func() bool { return channel.sentCount() == 2 }, "offers never sent")

	channel.push(t, session.EventUserLeft, session.UserEventPayload{
		Participant: participant("conn-a", "user-a"),
	})

	waitFor(t, func() bool {
		updates := rec.forCounterpart("conn-a")
		return len(updates) == 1 && updates[0].State == StateClosed
	}, "departed counterpart's link never closed")

	if factory.transport(0).isClosed() == factory.transport(1).isClosed() {
		t.Fatal("exactly one transport must be closed after one counterpart leaves")
	}
	if len(rec.forCounterpart("conn-b")) != 0 {
		t.Error("remaining counterpart must be untouched")
	}

	// Late candidates for the closed link are dropped without touching any
	// transport.
	channel.push(t, session.EventCandidate, session.SignalPayload{
		SenderConnectionID: "conn-a",
		Signal:             json.RawMessage(`{}`),
	})
	time.Sleep(50 * time.Millisecond)

	if n := factory.transport(0).candidateCount() + factory.transport(1).candidateCount(); n != 0 {
		t.Errorf("late candidate reached a transport (%d applied)", n)
	}
}

func TestLocalCandidateTrickledToCounterpart(t *testing.T) {
	factory := &fakeFactory{}
	_, channel, _ := startManager(t, factory, Callbacks{})

	channel.push(t, session.EventRoomJoined, snapshotPayload(
		participant("conn-self", "user-self"),
		participant("conn-a", "user-a"),
	))

	waitFor(t, func() bool { return channel.sentCount() == 1 }, "offer never sent")

	candidate := json.RawMessage(`{"candidate":"candidate:1 1 udp","sdpMid":"0"}`)
	factory.transport(0).handlers.OnCandidate(candidate)

	waitFor(t, func() bool { return channel.sentCount() == 2 }, "candidate never forwarded")

	sent := channel.sentSignals()[1]
	if sent.event != session.EventCandidate || sent.target != "conn-a" {
		t.Fatalf("sent %q to %q, want ice-candidate to conn-a", sent.event, sent.target)
	}
	if string(sent.signal) != string(candidate) {
		t.Errorf("forwarded %s, want %s", sent.signal, candidate)
	}
}

func TestTransportStateCallbacksDriveLink(t *testing.T) {
	factory := &fakeFactory{}
	rec := &statusRecorder{}
	_, channel, _ := startManager(t, factory, Callbacks{OnStatus: rec.record})

	channel.push(t, session.EventRoomJoined, snapshotPayload(
		participant("conn-self", "user-self"),
		participant("conn-a", "user-a"),
		participant("conn-b", "user-b"),
	))

	waitFor(t, func() bool { return channel.sentCount() == 2 }, "offers never sent")

	factory.transport(0).handlers.OnConnected()
	factory.transport(1).handlers.OnFailed(errors.New("ice failed"))

	waitFor(t, func() bool {
		a := rec.forCounterpart("conn-a")
		b := rec.forCounterpart("conn-b")
		return len(a) == 1 && len(b) == 1
	}, "transport callbacks never surfaced")

	a := rec.forCounterpart("conn-a")[0]
	if a.State != StateConnected || a.Err != nil {
		t.Errorf("conn-a update = %s/%v, want connected/nil", a.State, a.Err)
	}

	b := rec.forCounterpart("conn-b")[0]
	if b.State != StateError || b.Err == nil {
		t.Errorf("conn-b update = %s/%v, want error with cause", b.State, b.Err)
	}
	if b.FallbackURL != "https://meet.example.com/room-1" {
		t.Errorf("failure update fallback = %q, want the snapshot's link", b.FallbackURL)
	}

	// The failure on one link leaves the connected one alone.
	if factory.transport(0).isClosed() {
		t.Error("healthy transport must stay open")
	}
}

func TestTransportFactoryFailureIsPerCounterpart(t *testing.T) {
	factory := &fakeFactory{err: errors.New("no media engine")}
	rec := &statusRecorder{}
	_, channel, _ := startManager(t, factory, Callbacks{OnStatus: rec.record})

	channel.push(t, session.EventRoomJoined, snapshotPayload(
		participant("conn-self", "user-self"),
		participant("conn-a", "user-a"),
	))

	waitFor(t, func() bool {
		updates := rec.forCounterpart("conn-a")
		return len(updates) == 1 && updates[0].State == StateError
	}, "factory failure never surfaced")

	if channel.sentCount() != 0 {
		t.Errorf("sent %d signals, want 0 after factory failure", channel.sentCount())
	}
}

func TestChannelCloseTearsDownAllLinks(t *testing.T) {
	factory := &fakeFactory{}
	rec := &statusRecorder{}
	mgr, channel, runDone := startManager(t, factory, Callbacks{OnStatus: rec.record})

	channel.push(t, session.EventRoomJoined, snapshotPayload(
		participant("conn-self", "user-self"),
		participant("conn-a", "user-a"),
		participant("conn-b", "user-b"),
	))

	waitFor(t, func() bool { return channel.sentCount() == 2 }, "offers never sent")

	close(channel.events)

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on channel close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after channel close")
	}

	if !factory.transport(0).isClosed() || !factory.transport(1).isClosed() {
		t.Error("all transports must be closed after teardown")
	}
	if mgr.Link("conn-a") != nil || mgr.Link("conn-b") != nil {
		t.Error("links must be removed after teardown")
	}
}

func TestLocalToggleFansOutToLiveLinks(t *testing.T) {
	factory := &fakeFactory{}
	rec := &statusRecorder{}
	mgr, channel, _ := startManager(t, factory, Callbacks{OnStatus: rec.record})

	channel.push(t, session.EventRoomJoined, snapshotPayload(
		participant("conn-self", "user-self"),
		participant("conn-a", "user-a"),
		participant("conn-b", "user-b"),
	))

	waitFor(t, func() bool { return channel.sentCount() == 2 }, "offers never sent")

	mgr.SetLocalEnabled(webrtc.RTPCodecTypeVideo, false)

	want := toggleCall{kind: webrtc.RTPCodecTypeVideo, enabled: false}
	waitFor(t, func() bool {
		a := factory.transport(0).toggleCalls()
		b := factory.transport(1).toggleCalls()
		return len(a) == 1 && a[0] == want && len(b) == 1 && b[0] == want
	}, "video mute never reached every transport")

	// After one counterpart leaves, a toggle only touches the surviving
	// link's transport.
	channel.push(t, session.EventUserLeft, session.UserEventPayload{
		Participant: participant("conn-a", "user-a"),
	})
	waitFor(t, func() bool {
		updates := rec.forCounterpart("conn-a")
		return len(updates) == 1 && updates[0].State == StateClosed
	}, "departed counterpart's link never closed")

	mgr.SetLocalEnabled(webrtc.RTPCodecTypeVideo, true)

	waitFor(t, func() bool {
		return len(factory.transport(1).toggleCalls()) == 2
	}, "unmute never reached the surviving transport")

	if n := len(factory.transport(0).toggleCalls()); n != 1 {
		t.Errorf("closed link's transport saw %d toggles, want 1", n)
	}
}

func TestTokenUpdateReachesCallback(t *testing.T) {
	factory := &fakeFactory{}
	tokens := make(chan string, 1)
	_, channel, _ := startManager(t, factory, Callbacks{
		OnTokenUpdate: func(token string) { tokens <- token },
	})

	channel.push(t, session.EventTokenUpdate, session.TokenUpdatePayload{Token: "refreshed.jwt.token"})

	select {
	case token := <-tokens:
		if token != "refreshed.jwt.token" {
			t.Errorf("token = %q, want the pushed value", token)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("token update never delivered")
	}
}
