package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"callbridge/internal/billing"
	"callbridge/internal/models"
	"callbridge/internal/status"
)

type sentEvent struct {
	sessionID string
	event     string
	payload   interface{}
}

type fakeSender struct {
	mu         sync.Mutex
	events     []sentEvent
	broadcasts []sentEvent
}

func (f *fakeSender) SendTo(sessionID, event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{sessionID, event, payload})
}

func (f *fakeSender) Broadcast(event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, sentEvent{"", event, payload})
}

func (f *fakeSender) count(sessionID, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.sessionID == sessionID && e.event == event {
			n++
		}
	}
	return n
}

func (f *fakeSender) countEvent(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func (f *fakeSender) broadcastCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.broadcasts {
		if e.event == event {
			n++
		}
	}
	return n
}

type fakeDirectory struct {
	users map[string]models.User
	// block, when non-nil, stalls FindUser until the channel is closed;
	// used to force interleavings across the lookup suspension point.
	block chan struct{}
}

func (d *fakeDirectory) FindUser(id string) (models.User, error) {
	if d.block != nil {
		<-d.block
	}
	u, ok := d.users[id]
	if !ok {
		return models.User{}, errors.New("no rows found")
	}
	return u, nil
}

type fakeHistory struct {
	mu   sync.Mutex
	recs []models.CallRecord
}

func (h *fakeHistory) RecordCall(rec models.CallRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs = append(h.recs, rec)
	return nil
}

func (h *fakeHistory) records() []models.CallRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.CallRecord, len(h.recs))
	copy(out, h.recs)
	return out
}

type fakePush struct {
	mu    sync.Mutex
	count int
}

func (p *fakePush) Push(deviceToken, title, body string, data map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
}

func (p *fakePush) sent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

type testWallet struct {
	mu       sync.Mutex
	balances map[string]float64
}

func (w *testWallet) GetBalance(userID string) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[userID], nil
}

func (w *testWallet) ChargeForCall(callerID, receiverID string, rate, commissionPct float64) (float64, float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balances[callerID] < rate {
		return 0, 0, errors.New("insufficient funds")
	}
	credit := rate * (100 - commissionPct) / 100
	w.balances[callerID] -= rate
	w.balances[receiverID] += credit
	return w.balances[callerID], credit, nil
}

type testEnv struct {
	coord   *Coordinator
	sender  *fakeSender
	dir     *fakeDirectory
	history *fakeHistory
	push    *fakePush
	driver  *billing.Driver
}

func defaultUsers() map[string]models.User {
	return map[string]models.User{
		"alice": {ID: "alice", DisplayName: "Alice", DeviceToken: "tok-a", Role: "caller"},
		"bob":   {ID: "bob", DisplayName: "Bob", DeviceToken: "tok-b", Role: "receiver"},
		"carol": {ID: "carol", DisplayName: "Carol", DeviceToken: "tok-c", Role: "receiver"},
	}
}

func newTestEnv(billingInterval time.Duration, balances map[string]float64) *testEnv {
	sender := &fakeSender{}
	dir := &fakeDirectory{users: defaultUsers()}
	history := &fakeHistory{}
	push := &fakePush{}
	if balances == nil {
		balances = map[string]float64{"alice": 1000, "bob": 1000, "carol": 1000}
	}
	driver := billing.NewDriver(&testWallet{balances: balances}, billing.AlwaysValid{}, billingInterval, 10, 10)

	coord := NewCoordinator(sender, dir, history, push, status.NewMemoryStore(), driver, Options{
		StaleAfter:     100 * time.Millisecond,
		RingTimeout:    200 * time.Millisecond,
		ConflictWindow: 50 * time.Millisecond,
		QueueTimeout:   80 * time.Millisecond,
	})
	return &testEnv{coord: coord, sender: sender, dir: dir, history: history, push: push, driver: driver}
}

func pl(format string, args ...interface{}) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(format, args...))
}

func (e *testEnv) join(sessionID, userID string) {
	if err := e.coord.HandleJoin(sessionID, pl(`{"userId":%q}`, userID)); err != nil {
		panic(err)
	}
}

func (e *testEnv) connectCall(callerSession, calleeSession string) {
	offer := pl(`{"offer":{"type":"offer","sdp":"v=0"},"callerId":"alice","receiverId":"bob"}`)
	if err := e.coord.HandleOffer(callerSession, offer); err != nil {
		panic(err)
	}
	answer := pl(`{"answer":{"type":"answer","sdp":"v=0"},"callerId":"alice","receiverId":"bob"}`)
	if err := e.coord.HandleAnswer(calleeSession, answer); err != nil {
		panic(err)
	}
}

// ─── join / presence ─────────────────────────────────────────────

func TestJoinBroadcastsStatus(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")

	if !env.coord.Presence().IsOnline("alice") {
		t.Error("Expected alice online after join")
	}
	if env.sender.broadcastCount(EvUserStatusChanged) != 1 {
		t.Error("Expected one userStatusChanged broadcast")
	}
}

func TestJoinWithoutUserIDFails(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	if err := env.coord.HandleJoin("s1", pl(`{}`)); err == nil {
		t.Error("Expected error for join without userId")
	}
}

// ─── direct calls ────────────────────────────────────────────────

func TestCallRingsAllReceiverSessions(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")
	env.join("s2", "bob")
	env.join("s3", "bob")

	err := env.coord.HandleCall("s1", pl(`{"callerId":"alice","receiverId":"bob"}`))
	if err != nil {
		t.Fatalf("HandleCall failed: %v", err)
	}

	if env.sender.count("s2", EvIncomingCall) != 1 || env.sender.count("s3", EvIncomingCall) != 1 {
		t.Error("Expected incomingCall on both of bob's sessions")
	}
	ev := env.sender.events[len(env.sender.events)-1].payload.(incomingCallEvent)
	if ev.CallerName != "Alice" || ev.CallerID != "alice" || ev.SourceSessionID != "s1" {
		t.Errorf("Unexpected incomingCall payload: %+v", ev)
	}
	if env.push.sent() != 1 {
		t.Errorf("Expected 1 push notification, got %d", env.push.sent())
	}
}

func TestCallBusyReceiver(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")
	env.join("s2", "bob")
	env.coord.calls.Pair("bob", "carol")

	env.coord.HandleCall("s1", pl(`{"callerId":"alice","receiverId":"bob"}`))

	if env.sender.count("s1", EvUserBusy) != 1 {
		t.Error("Expected userBusy back to the caller")
	}
	if env.sender.countEvent(EvIncomingCall) != 0 {
		t.Error("Expected no incomingCall to a busy receiver")
	}
}

func TestCallUnknownReceiver(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")

	env.coord.HandleCall("s1", pl(`{"callerId":"alice","receiverId":"ghost"}`))

	if env.sender.count("s1", EvUserUnavailable) != 1 {
		t.Error("Expected userUnavailable for a user not in the directory")
	}
}

func TestCallUnknownCaller(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "ghost")
	env.join("s2", "bob")

	if err := env.coord.HandleCall("s1", pl(`{"callerId":"ghost","receiverId":"bob"}`)); err != nil {
		t.Fatalf("HandleCall failed: %v", err)
	}

	if env.sender.count("s1", EvUserUnavailable) != 1 {
		t.Error("Expected userUnavailable when the caller is not in the directory")
	}
	if env.sender.countEvent(EvIncomingCall) != 0 {
		t.Error("Expected no incomingCall")
	}
	if env.coord.pending.IsStillPending("ghost", "bob") {
		t.Error("Expected the pending attempt cleared")
	}
}

func TestCallOfflineReceiver(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")

	env.coord.HandleCall("s1", pl(`{"callerId":"alice","receiverId":"bob"}`))

	if env.sender.count("s1", EvUserUnavailable) != 1 {
		t.Error("Expected userUnavailable when the receiver has no live sessions")
	}
	if env.sender.countEvent(EvIncomingCall) != 0 {
		t.Error("Expected no incomingCall")
	}
}

// Crossed call attempts inside the staleness window: both sides get a
// conflict, neither gets an incomingCall.
func TestSimultaneousCallsConflict(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")
	env.join("s2", "bob")

	// Stall alice's directory lookup so bob's attempt lands between her
	// ledger write and her relay.
	gate := make(chan struct{})
	env.dir.block = gate

	done := make(chan struct{})
	go func() {
		env.coord.HandleCall("s1", pl(`{"callerId":"alice","receiverId":"bob"}`))
		close(done)
	}()

	// Wait for alice's attempt to be in the ledger before bob dials.
	deadline := time.Now().Add(time.Second)
	for !env.coord.pending.IsStillPending("alice", "bob") {
		if time.Now().After(deadline) {
			t.Fatal("alice's attempt never reached the ledger")
		}
		time.Sleep(time.Millisecond)
	}

	env.coord.HandleCall("s2", pl(`{"callerId":"bob","receiverId":"alice"}`))
	close(gate)
	<-done

	if env.sender.count("s1", EvCallConflict) != 1 || env.sender.count("s2", EvCallConflict) != 1 {
		t.Error("Expected callConflict on both sessions")
	}
	if env.sender.countEvent(EvIncomingCall) != 0 {
		t.Error("Expected no incomingCall for either party")
	}
	if env.coord.calls.IsBusy("alice") || env.coord.calls.IsBusy("bob") {
		t.Error("Expected call state empty after a conflict")
	}
}

func TestRingTimeoutNotifiesCaller(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")
	env.join("s2", "bob")

	env.coord.HandleCall("s1", pl(`{"callerId":"alice","receiverId":"bob"}`))
	time.Sleep(300 * time.Millisecond)

	if env.sender.count("s1", EvCallTimeout) != 1 {
		t.Error("Expected callTimeout to the caller after the ring window")
	}
}

// ─── offer / answer / ice ────────────────────────────────────────

func TestOfferPairsAndRelays(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")
	env.join("s2", "bob")

	err := env.coord.HandleOffer("s1", pl(`{"offer":{"type":"offer","sdp":"v=0"},"callerId":"alice","receiverId":"bob"}`))
	if err != nil {
		t.Fatalf("HandleOffer failed: %v", err)
	}

	if env.sender.count("s2", EvOffer) != 1 {
		t.Error("Expected offer relayed to bob")
	}
	if !env.coord.calls.IsBusy("alice") || !env.coord.calls.IsBusy("bob") {
		t.Error("Expected both busy once the offer went out")
	}
}

func TestOfferWithoutSDPFails(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")
	env.join("s2", "bob")

	err := env.coord.HandleOffer("s1", pl(`{"offer":null,"callerId":"alice","receiverId":"bob"}`))
	if err == nil {
		t.Error("Expected error for a null offer")
	}
}

func TestAnswerConnectsAndStartsBilling(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")
	env.join("s2", "bob")
	env.connectCall("s1", "s2")

	if env.sender.count("s1", EvAnswer) != 1 {
		t.Error("Expected answer relayed to alice")
	}
	if env.sender.count("s1", EvCallConnected) != 1 || env.sender.count("s2", EvCallConnected) != 1 {
		t.Error("Expected callConnected on both sides")
	}
	if _, ok := env.driver.StartTimeOf("alice", "bob"); !ok {
		t.Error("Expected a billing cycle armed on answer")
	}
	env.driver.Stop("alice", "bob")
}

// An answer naming a caller who is already in another call must not arm
// billing: nothing in the call state table would let endCall or disconnect
// cleanup reach that cycle.
func TestAnswerForPairedElsewhereCallerDoesNotBill(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")
	env.join("s2", "bob")
	env.join("s3", "carol")

	env.coord.calls.Pair("alice", "carol")

	err := env.coord.HandleAnswer("s2", pl(`{"answer":{"type":"answer","sdp":"v=0"},"callerId":"alice","receiverId":"bob"}`))
	if err != nil {
		t.Fatalf("HandleAnswer failed: %v", err)
	}

	if _, ok := env.driver.StartTimeOf("alice", "bob"); ok {
		t.Error("Expected no billing cycle for an unpaired answer")
	}
	if env.sender.count("s1", EvAnswer) != 0 {
		t.Error("Expected no answer relayed to alice")
	}
	if env.sender.countEvent(EvCallConnected) != 0 {
		t.Error("Expected no callConnected")
	}
	if env.sender.count("s2", EvUserBusy) != 1 {
		t.Error("Expected userBusy to the answering session")
	}
	if peer, ok := env.coord.calls.PeerOf("alice"); !ok || peer != "carol" {
		t.Error("Expected alice's existing pairing with carol untouched")
	}
}

func TestIceCandidateRelay(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")
	env.join("s2", "bob")

	err := env.coord.HandleIceCandidate("s1", pl(`{"candidate":{"candidate":"candidate:1 1 udp 2130706431 10.0.0.1 54400 typ host","sdpMid":"0"},"callerId":"alice","receiverId":"bob"}`))
	if err != nil {
		t.Fatalf("HandleIceCandidate failed: %v", err)
	}
	if env.sender.count("s2", EvIceCandidate) != 1 {
		t.Error("Expected candidate relayed to bob")
	}
}

func TestIceCandidateErrors(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")

	err := env.coord.HandleIceCandidate("s1", pl(`{"candidate":null,"callerId":"alice","receiverId":"bob"}`))
	if err == nil {
		t.Error("Expected error for a null candidate")
	}

	err = env.coord.HandleIceCandidate("s1", pl(`{"candidate":{"candidate":"x"},"callerId":"alice","receiverId":"bob"}`))
	if err == nil {
		t.Error("Expected error when the receiver has no sessions")
	}
}

// ─── end / reject / missed ───────────────────────────────────────

func TestEndCall(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")
	env.join("s2", "bob")
	env.connectCall("s1", "s2")

	err := env.coord.HandleEndCall("s1", pl(`{"callerId":"alice","receiverId":"bob"}`))
	if err != nil {
		t.Fatalf("HandleEndCall failed: %v", err)
	}

	if env.sender.count("s1", EvCallEnded) != 1 || env.sender.count("s2", EvCallEnded) != 1 {
		t.Error("Expected callEnded on both sides")
	}
	if env.coord.calls.IsBusy("alice") || env.coord.calls.IsBusy("bob") {
		t.Error("Expected both free after endCall")
	}
	if _, ok := env.driver.StartTimeOf("alice", "bob"); ok {
		t.Error("Expected billing cycle stopped")
	}

	recs := env.history.records()
	if len(recs) != 1 || recs[0].Status != models.CallStatusCompleted {
		t.Errorf("Expected one completed record, got %+v", recs)
	}
}

func TestEndCallWithoutActiveCall(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")

	err := env.coord.HandleEndCall("s1", pl(`{"callerId":"alice","receiverId":"bob"}`))
	if err == nil {
		t.Error("Expected a no-active-call error")
	}
}

func TestRejectCall(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")
	env.join("s2", "bob")

	env.coord.HandleOffer("s1", pl(`{"offer":{"type":"offer","sdp":"v=0"},"callerId":"alice","receiverId":"bob"}`))
	err := env.coord.HandleRejectCall("s2", pl(`{"callerId":"alice","receiverId":"bob"}`))
	if err != nil {
		t.Fatalf("HandleRejectCall failed: %v", err)
	}

	if env.sender.count("s1", EvCallRejected) != 1 {
		t.Error("Expected callRejected to the caller")
	}
	if env.coord.calls.IsBusy("alice") || env.coord.calls.IsBusy("bob") {
		t.Error("Expected pairing cleared on reject")
	}
	recs := env.history.records()
	if len(recs) != 1 || recs[0].Status != models.CallStatusRejected || recs[0].Duration != 0 {
		t.Errorf("Expected one zero-duration rejected record, got %+v", recs)
	}
}

func TestMissedCall(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")

	err := env.coord.HandleMissedCall("s1", pl(`{"callerId":"alice","receiverId":"bob"}`))
	if err != nil {
		t.Fatalf("HandleMissedCall failed: %v", err)
	}

	recs := env.history.records()
	if len(recs) != 1 || recs[0].Status != models.CallStatusMissed {
		t.Errorf("Expected one missed record, got %+v", recs)
	}
	if env.push.sent() != 1 {
		t.Errorf("Expected a push for the missed call, got %d", env.push.sent())
	}
}

// ─── disconnect ──────────────────────────────────────────────────

// The peer of a disconnecting user gets exactly one callEnded, the log
// shows "disconnected", and both are free again.
func TestDisconnectDuringCall(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")
	env.join("s2", "bob")
	env.connectCall("s1", "s2")

	env.coord.HandleDisconnect("s2")

	if got := env.sender.count("s1", EvCallEnded); got != 1 {
		t.Errorf("Expected exactly 1 callEnded to alice, got %d", got)
	}
	if env.coord.calls.IsBusy("alice") || env.coord.calls.IsBusy("bob") {
		t.Error("Expected both free after disconnect cleanup")
	}
	if _, ok := env.driver.StartTimeOf("alice", "bob"); ok {
		t.Error("Expected billing stopped on disconnect")
	}
	if env.coord.Presence().IsOnline("bob") {
		t.Error("Expected bob offline")
	}

	recs := env.history.records()
	if len(recs) != 1 || recs[0].Status != models.CallStatusDisconnected || recs[0].EndedBy != "bob" {
		t.Errorf("Expected one disconnected record attributed to bob, got %+v", recs)
	}
}

func TestDisconnectWithRemainingSessionKeepsCall(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")
	env.join("s2", "bob")
	env.join("s3", "bob")
	env.connectCall("s1", "s2")

	env.coord.HandleDisconnect("s2")

	if !env.coord.Presence().IsOnline("bob") {
		t.Error("Expected bob still online via s3")
	}
	if !env.coord.calls.IsBusy("alice") {
		t.Error("Expected the call to survive while bob has a session")
	}
	if env.sender.count("s1", EvCallEnded) != 0 {
		t.Error("Expected no callEnded while bob is reachable")
	}
	env.driver.Stop("alice", "bob")
}

func TestDisconnectClearsPendingAttempts(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")
	env.join("s2", "bob")

	env.coord.HandleCall("s1", pl(`{"callerId":"alice","receiverId":"bob"}`))
	if !env.coord.pending.IsStillPending("alice", "bob") {
		t.Fatal("Expected the attempt pending")
	}

	env.coord.HandleDisconnect("s1")
	if env.coord.pending.IsStillPending("alice", "bob") {
		t.Error("Expected the attempt cleared with its initiating session")
	}
}

func TestDisconnectRemovesFromRandomQueue(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")

	env.coord.HandleRequestRandomCall("s1", pl(`{"userId":"alice"}`))
	if !env.coord.queue.IsQueued("alice") {
		t.Fatal("Expected alice queued")
	}

	env.coord.HandleDisconnect("s1")
	if env.coord.queue.IsQueued("alice") {
		t.Error("Expected alice removed from the queue on disconnect")
	}
}

// ─── random matching ─────────────────────────────────────────────

func TestRandomMatch(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")
	env.join("s2", "bob")

	err := env.coord.HandleRequestRandomCall("s1", pl(`{"userId":"alice"}`))
	if err != nil {
		t.Fatalf("HandleRequestRandomCall failed: %v", err)
	}

	if env.sender.count("s1", EvRandomCallMatched) != 1 || env.sender.count("s2", EvRandomCallMatched) != 1 {
		t.Error("Expected randomCallMatched on both sides")
	}
	if !env.coord.calls.IsBusy("alice") || !env.coord.calls.IsBusy("bob") {
		t.Error("Expected matched users busy immediately")
	}
	if env.coord.queue.IsQueued("alice") || env.coord.queue.IsQueued("bob") {
		t.Error("Expected neither user in the waiting queue")
	}
}

func TestRandomMatchQueuesAndTimesOut(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")

	env.coord.HandleRequestRandomCall("s1", pl(`{"userId":"alice"}`))
	if env.sender.count("s1", EvWaitingForRandomMatch) != 1 {
		t.Error("Expected waitingForRandomMatch")
	}

	time.Sleep(150 * time.Millisecond)
	if env.sender.count("s1", EvRandomCallTimeout) != 1 {
		t.Error("Expected randomCallTimeout after the queue window")
	}
	if env.coord.queue.IsQueued("alice") {
		t.Error("Expected alice removed from the queue")
	}
}

func TestRandomMatchWhileBusy(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")
	env.coord.calls.Pair("alice", "carol")

	env.coord.HandleRequestRandomCall("s1", pl(`{"userId":"alice"}`))
	if env.sender.count("s1", EvUserBusy) != 1 {
		t.Error("Expected userBusy for a busy requester")
	}
}

func TestRejectRandomCallClearsPairing(t *testing.T) {
	env := newTestEnv(time.Hour, nil)
	env.join("s1", "alice")
	env.join("s2", "bob")

	env.coord.HandleRequestRandomCall("s1", pl(`{"userId":"alice"}`))
	env.coord.HandleRejectRandomCall("s2", pl(`{"userId":"bob","peerId":"alice"}`))

	if env.sender.count("s1", EvRandomCallRejected) != 1 {
		t.Error("Expected randomCallRejected relayed to alice")
	}
	if env.coord.calls.IsBusy("alice") || env.coord.calls.IsBusy("bob") {
		t.Error("Expected pairing cleared on random reject")
	}
}

// ─── billing integration ─────────────────────────────────────────

// A connected call whose caller cannot cover the first tick ends with an
// insufficient-balance notice to both, no debit, and a cleared pairing.
func TestInsufficientBalanceEndsCall(t *testing.T) {
	env := newTestEnv(30*time.Millisecond, map[string]float64{"alice": 5, "bob": 0})
	env.join("s1", "alice")
	env.join("s2", "bob")
	env.connectCall("s1", "s2")

	time.Sleep(120 * time.Millisecond)

	if env.sender.count("s1", EvInsufficientBalance) != 1 || env.sender.count("s2", EvInsufficientBalance) != 1 {
		t.Error("Expected insufficientBalance on both sides")
	}
	if env.sender.count("s1", EvCallEnded) != 1 || env.sender.count("s2", EvCallEnded) != 1 {
		t.Error("Expected callEnded on both sides")
	}
	if env.coord.calls.IsBusy("alice") || env.coord.calls.IsBusy("bob") {
		t.Error("Expected pairing cleared")
	}
	if len(env.history.records()) != 1 {
		t.Errorf("Expected one call record, got %d", len(env.history.records()))
	}
}

func TestChargedTicksNotifyBothSides(t *testing.T) {
	env := newTestEnv(30*time.Millisecond, map[string]float64{"alice": 1000, "bob": 0})
	env.join("s1", "alice")
	env.join("s2", "bob")
	env.connectCall("s1", "s2")

	time.Sleep(100 * time.Millisecond)
	env.coord.HandleEndCall("s1", pl(`{"callerId":"alice","receiverId":"bob"}`))

	if env.sender.count("s1", EvBalanceUpdated) < 2 {
		t.Errorf("Expected balance updates to alice, got %d", env.sender.count("s1", EvBalanceUpdated))
	}
	if env.sender.count("s2", EvEarningsUpdated) < 2 {
		t.Errorf("Expected earnings updates to bob, got %d", env.sender.count("s2", EvEarningsUpdated))
	}
}
