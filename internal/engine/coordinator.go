package engine

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"callbridge/internal/billing"
	"callbridge/internal/callstate"
	"callbridge/internal/match"
	"callbridge/internal/models"
	"callbridge/internal/pending"
	"callbridge/internal/presence"
	"callbridge/internal/status"
	"callbridge/pkg/utils"

	"github.com/pion/webrtc/v4"
)

// Sender delivers named events to transport sessions. The websocket
// server implements it; tests substitute a recorder.
type Sender interface {
	SendTo(sessionID, event string, payload interface{})
	Broadcast(event string, payload interface{})
}

// Directory is the user lookup the coordinator consults before ringing.
type Directory interface {
	FindUser(id string) (models.User, error)
}

// History persists terminal call records; failures are logged, not
// retried.
type History interface {
	RecordCall(rec models.CallRecord) error
}

// Pusher is the best-effort push notification side channel.
type Pusher interface {
	Push(deviceToken, title, body string, data map[string]string)
}

// Options carries the tunables the coordinator needs from config.
type Options struct {
	StaleAfter     time.Duration
	RingTimeout    time.Duration
	ConflictWindow time.Duration
	QueueTimeout   time.Duration
	MatchRole      string
}

// Coordinator owns every in-memory table of the signaling core and is the
// single place their invariants are enforced. All inbound signaling
// events funnel through its Handle* methods; each method isolates its own
// failures and answers the originating session with a structured event.
type Coordinator struct {
	sender  Sender
	dir     Directory
	history History
	push    Pusher
	status  status.Store

	presence *presence.Registry
	calls    *callstate.Table
	pending  *pending.Ledger
	queue    *match.Queue
	billing  *billing.Driver
}

func NewCoordinator(sender Sender, dir Directory, history History, push Pusher, st status.Store, driver *billing.Driver, opts Options) *Coordinator {
	c := &Coordinator{
		sender:   sender,
		dir:      dir,
		history:  history,
		push:     push,
		status:   st,
		presence: presence.NewRegistry(),
		calls:    callstate.NewTable(),
		billing:  driver,
	}
	c.pending = pending.NewLedger(opts.StaleAfter, opts.RingTimeout, opts.ConflictWindow, c.onRingTimeout)

	var eligible func(string) bool
	if opts.MatchRole != "" {
		role := opts.MatchRole
		eligible = func(userID string) bool {
			u, err := dir.FindUser(userID)
			return err == nil && u.Role == role
		}
	}
	c.queue = match.NewQueue(c.presence, c.calls, opts.QueueTimeout, eligible, c.onQueueTimeout)

	driver.SetReporter(c)
	return c
}

// Presence exposes the registry for the admin API.
func (c *Coordinator) Presence() *presence.Registry { return c.presence }

// ─── join ────────────────────────────────────────────────────────

func (c *Coordinator) HandleJoin(sessionID string, data json.RawMessage) error {
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
		return fmt.Errorf("join: missing userId")
	}

	c.presence.Register(p.UserID, sessionID)
	if err := c.status.SetOnline(p.UserID); err != nil {
		log.Printf("[Coordinator] Status write failed for %s: %v", p.UserID, err)
	}
	c.sender.Broadcast(EvUserStatusChanged, statusChangedEvent{UserID: p.UserID, Online: true})
	log.Printf("[Coordinator] %s joined via session %s", p.UserID, sessionID)
	return nil
}

// ─── direct calls ────────────────────────────────────────────────

func (c *Coordinator) HandleCall(sessionID string, data json.RawMessage) error {
	var p callPayload
	if err := json.Unmarshal(data, &p); err != nil || p.CallerID == "" || p.ReceiverID == "" {
		return fmt.Errorf("call: missing callerId or receiverId")
	}

	if c.calls.IsBusy(p.CallerID) || c.calls.IsBusy(p.ReceiverID) {
		c.sender.SendTo(sessionID, EvUserBusy, peerEvent{PeerID: p.ReceiverID})
		return nil
	}

	switch c.pending.Attempt(p.CallerID, p.ReceiverID, sessionID) {
	case pending.ConflictDetected:
		utils.CallConflicts.Inc()
		c.sendToUser(p.CallerID, EvCallConflict, peerEvent{PeerID: p.ReceiverID})
		c.sendToUser(p.ReceiverID, EvCallConflict, peerEvent{PeerID: p.CallerID})
		return nil
	}

	caller, err := c.dir.FindUser(p.CallerID)
	if err != nil {
		c.pending.Clear(p.CallerID, p.ReceiverID)
		c.sender.SendTo(sessionID, EvUserUnavailable, peerEvent{PeerID: p.CallerID})
		return nil
	}
	receiver, err := c.dir.FindUser(p.ReceiverID)
	if err != nil {
		c.pending.Clear(p.CallerID, p.ReceiverID)
		c.sender.SendTo(sessionID, EvUserUnavailable, peerEvent{PeerID: p.ReceiverID})
		return nil
	}

	// The directory lookups suspended us; the attempt may have been
	// invalidated meanwhile (conflict, disconnect, timeout).
	if !c.pending.IsStillPending(p.CallerID, p.ReceiverID) {
		return nil
	}

	c.presence.Register(p.CallerID, sessionID)

	receiverSessions := c.presence.SessionsFor(p.ReceiverID)
	if len(receiverSessions) == 0 {
		c.pending.Clear(p.CallerID, p.ReceiverID)
		c.sender.SendTo(sessionID, EvUserUnavailable, peerEvent{PeerID: p.ReceiverID})
		return nil
	}

	ev := incomingCallEvent{
		CallerID:        p.CallerID,
		CallerName:      caller.DisplayName,
		SourceSessionID: sessionID,
	}
	for _, sid := range receiverSessions {
		c.sender.SendTo(sid, EvIncomingCall, ev)
	}
	c.push.Push(receiver.DeviceToken, "Incoming call", fmt.Sprintf("%s is calling you", caller.DisplayName),
		map[string]string{"callerId": p.CallerID})
	log.Printf("[Coordinator] %s ringing %s (%d sessions)", p.CallerID, p.ReceiverID, len(receiverSessions))
	return nil
}

func (c *Coordinator) HandleOffer(sessionID string, data json.RawMessage) error {
	var p offerPayload
	if err := json.Unmarshal(data, &p); err != nil || p.CallerID == "" || p.ReceiverID == "" {
		return fmt.Errorf("offer: missing callerId or receiverId")
	}
	if len(p.Offer) == 0 || string(p.Offer) == "null" {
		return fmt.Errorf("offer: missing sdp")
	}
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(p.Offer, &sdp); err != nil {
		return fmt.Errorf("offer: malformed sdp: %w", err)
	}

	sessions := c.presence.SessionsFor(p.ReceiverID)
	if len(sessions) == 0 {
		return fmt.Errorf("offer: %s has no live sessions", p.ReceiverID)
	}

	// The pair becomes busy here: resources are committed and the peer
	// is about to be notified. Random matches arrive already paired.
	if !c.calls.IsBusy(p.CallerID) && !c.calls.IsBusy(p.ReceiverID) {
		c.calls.Pair(p.CallerID, p.ReceiverID)
	}
	c.pending.Clear(p.CallerID, p.ReceiverID)
	for _, sid := range sessions {
		c.sender.SendTo(sid, EvOffer, offerEvent{Offer: p.Offer, CallerID: p.CallerID})
	}
	return nil
}

func (c *Coordinator) HandleAnswer(sessionID string, data json.RawMessage) error {
	var p answerPayload
	if err := json.Unmarshal(data, &p); err != nil || p.CallerID == "" || p.ReceiverID == "" {
		return fmt.Errorf("answer: missing callerId or receiverId")
	}
	if len(p.Answer) == 0 || string(p.Answer) == "null" {
		return fmt.Errorf("answer: missing sdp")
	}
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(p.Answer, &sdp); err != nil {
		return fmt.Errorf("answer: malformed sdp: %w", err)
	}

	sessions := c.presence.SessionsFor(p.CallerID)
	if len(sessions) == 0 {
		return fmt.Errorf("answer: %s has no live sessions", p.CallerID)
	}

	// Pairing normally happened at offer time; repair defensively if a
	// cleanup raced us.
	if !c.calls.IsBusy(p.CallerID) && !c.calls.IsBusy(p.ReceiverID) {
		c.calls.Pair(p.CallerID, p.ReceiverID)
	}
	// The answer only connects the call the table actually holds. If the
	// caller is meanwhile paired elsewhere (or the pairing was torn down
	// and could not be repaired), nothing may be relayed or billed: a
	// cycle armed here would have no pairing for endCall or disconnect
	// cleanup to find.
	if peer, ok := c.calls.PeerOf(p.CallerID); !ok || peer != p.ReceiverID {
		c.sender.SendTo(sessionID, EvUserBusy, peerEvent{PeerID: p.CallerID})
		return nil
	}

	for _, sid := range sessions {
		c.sender.SendTo(sid, EvAnswer, answerEvent{Answer: p.Answer, ReceiverID: p.ReceiverID})
	}
	c.sendToUser(p.CallerID, EvCallConnected, peerEvent{PeerID: p.ReceiverID})
	c.sendToUser(p.ReceiverID, EvCallConnected, peerEvent{PeerID: p.CallerID})
	c.billing.Start(p.CallerID, p.ReceiverID)
	log.Printf("[Coordinator] Call connected: %s <-> %s", p.CallerID, p.ReceiverID)
	return nil
}

func (c *Coordinator) HandleIceCandidate(sessionID string, data json.RawMessage) error {
	var p candidatePayload
	if err := json.Unmarshal(data, &p); err != nil || p.CallerID == "" || p.ReceiverID == "" {
		return fmt.Errorf("iceCandidate: missing callerId or receiverId")
	}
	if len(p.Candidate) == 0 || string(p.Candidate) == "null" {
		return fmt.Errorf("iceCandidate: missing candidate")
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(p.Candidate, &cand); err != nil {
		return fmt.Errorf("iceCandidate: malformed candidate: %w", err)
	}

	sessions := c.presence.SessionsFor(p.ReceiverID)
	if len(sessions) == 0 {
		return fmt.Errorf("iceCandidate: %s has no live sessions", p.ReceiverID)
	}
	for _, sid := range sessions {
		c.sender.SendTo(sid, EvIceCandidate, candidateEvent{Candidate: p.Candidate, CallerID: p.CallerID})
	}
	return nil
}

func (c *Coordinator) HandleAcceptCall(sessionID string, data json.RawMessage) error {
	var p callPayload
	if err := json.Unmarshal(data, &p); err != nil || p.CallerID == "" {
		return fmt.Errorf("acceptCall: missing callerId")
	}
	c.sendToUser(p.CallerID, EvCallAccepted, peerEvent{PeerID: p.ReceiverID})
	return nil
}

func (c *Coordinator) HandleRejectCall(sessionID string, data json.RawMessage) error {
	var p callPayload
	if err := json.Unmarshal(data, &p); err != nil || p.CallerID == "" {
		return fmt.Errorf("rejectCall: missing callerId")
	}

	c.pending.Clear(p.CallerID, p.ReceiverID)
	c.calls.Unpair(p.ReceiverID)
	c.calls.Unpair(p.CallerID)
	c.sendToUser(p.CallerID, EvCallRejected, peerEvent{PeerID: p.ReceiverID})

	now := time.Now()
	c.recordCall(models.CallRecord{
		CallerID:  p.CallerID,
		CalleeID:  p.ReceiverID,
		StartTime: now,
		EndTime:   now,
		Duration:  0,
		Status:    models.CallStatusRejected,
	})
	return nil
}

func (c *Coordinator) HandleMissedCall(sessionID string, data json.RawMessage) error {
	var p callPayload
	if err := json.Unmarshal(data, &p); err != nil || p.CallerID == "" || p.ReceiverID == "" {
		return fmt.Errorf("missedcall: missing callerId or receiverId")
	}

	now := time.Now()
	c.recordCall(models.CallRecord{
		CallerID:  p.CallerID,
		CalleeID:  p.ReceiverID,
		StartTime: now,
		EndTime:   now,
		Duration:  0,
		Status:    models.CallStatusMissed,
	})

	if receiver, err := c.dir.FindUser(p.ReceiverID); err == nil {
		name := p.CallerID
		if caller, err := c.dir.FindUser(p.CallerID); err == nil {
			name = caller.DisplayName
		}
		c.push.Push(receiver.DeviceToken, "Missed call", fmt.Sprintf("You missed a call from %s", name),
			map[string]string{"callerId": p.CallerID})
	}
	return nil
}

func (c *Coordinator) HandleEndCall(sessionID string, data json.RawMessage) error {
	var p callPayload
	if err := json.Unmarshal(data, &p); err != nil || p.CallerID == "" || p.ReceiverID == "" {
		return fmt.Errorf("endCall: missing callerId or receiverId")
	}

	peer, busy := c.calls.PeerOf(p.CallerID)
	if !busy || peer != p.ReceiverID {
		// Try the reverse direction before declaring it dead.
		if peer, busy = c.calls.PeerOf(p.ReceiverID); !busy || peer != p.CallerID {
			return fmt.Errorf("endCall: no active call between %s and %s", p.CallerID, p.ReceiverID)
		}
	}

	startTime, hadCycle := c.billing.Stop(p.CallerID, p.ReceiverID)
	now := time.Now()
	duration := 0.0
	if hadCycle {
		duration = now.Sub(startTime).Seconds()
	} else {
		startTime = now
	}

	c.sendToUser(p.CallerID, EvCallEnded, callEndedEvent{PeerID: p.ReceiverID})
	c.sendToUser(p.ReceiverID, EvCallEnded, callEndedEvent{PeerID: p.CallerID})
	c.calls.Unpair(p.CallerID)

	c.recordCall(models.CallRecord{
		CallerID:  p.CallerID,
		CalleeID:  p.ReceiverID,
		StartTime: startTime,
		EndTime:   now,
		Duration:  duration,
		Status:    models.CallStatusCompleted,
	})
	log.Printf("[Coordinator] Call ended: %s <-> %s (%.0fs)", p.CallerID, p.ReceiverID, duration)
	return nil
}

// ─── random matching ─────────────────────────────────────────────

func (c *Coordinator) HandleRequestRandomCall(sessionID string, data json.RawMessage) error {
	var p randomCallPayload
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
		return fmt.Errorf("requestRandomCall: missing userId")
	}

	if c.calls.IsBusy(p.UserID) {
		c.sender.SendTo(sessionID, EvUserBusy, peerEvent{PeerID: p.UserID})
		return nil
	}
	if c.queue.IsQueued(p.UserID) {
		c.sender.SendTo(sessionID, EvWaitingForRandomMatch, nil)
		return nil
	}

	res := c.queue.RequestMatch(p.UserID)
	if !res.Matched {
		c.sender.SendTo(sessionID, EvWaitingForRandomMatch, nil)
		return nil
	}

	utils.RandomMatches.Inc()
	requesterName, peerName := p.UserID, res.PeerID
	if u, err := c.dir.FindUser(p.UserID); err == nil {
		requesterName = u.DisplayName
	}
	if u, err := c.dir.FindUser(res.PeerID); err == nil {
		peerName = u.DisplayName
	}
	c.sendToUser(p.UserID, EvRandomCallMatched, peerEvent{PeerID: res.PeerID, PeerName: peerName})
	c.sendToUser(res.PeerID, EvRandomCallMatched, peerEvent{PeerID: p.UserID, PeerName: requesterName})
	return nil
}

func (c *Coordinator) HandleAcceptRandomCall(sessionID string, data json.RawMessage) error {
	var p randomCallPayload
	if err := json.Unmarshal(data, &p); err != nil || p.PeerID == "" {
		return fmt.Errorf("acceptRandomCall: missing peerId")
	}
	c.sendToUser(p.PeerID, EvRandomCallAccepted, peerEvent{PeerID: p.UserID})
	return nil
}

func (c *Coordinator) HandleRejectRandomCall(sessionID string, data json.RawMessage) error {
	var p randomCallPayload
	if err := json.Unmarshal(data, &p); err != nil || p.PeerID == "" {
		return fmt.Errorf("rejectRandomCall: missing peerId")
	}
	c.calls.Unpair(p.UserID)
	c.calls.Unpair(p.PeerID)
	c.sendToUser(p.PeerID, EvRandomCallRejected, peerEvent{PeerID: p.UserID})
	return nil
}

func (c *Coordinator) HandleCancelRandomCall(sessionID string, data json.RawMessage) error {
	var p randomCallPayload
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
		return fmt.Errorf("cancelRandomCall: missing userId")
	}
	c.queue.Cancel(p.UserID)
	return nil
}

// ─── disconnect ──────────────────────────────────────────────────

// HandleDisconnect reconciles every table against a closed transport
// session. Only the user's last session going away makes them offline.
func (c *Coordinator) HandleDisconnect(sessionID string) {
	c.pending.ClearBySession(sessionID)

	userID, last, ok := c.presence.Unregister(sessionID)
	if !ok || !last {
		return
	}

	if err := c.status.SetOffline(userID); err != nil {
		log.Printf("[Coordinator] Status write failed for %s: %v", userID, err)
	}
	c.sender.Broadcast(EvUserStatusChanged, statusChangedEvent{UserID: userID, Online: false})
	c.queue.RemoveOnDisconnect(userID)

	peer, busy := c.calls.PeerOf(userID)
	if !busy {
		log.Printf("[Coordinator] %s fully offline", userID)
		return
	}

	startTime, hadCycle := c.billing.Stop(userID, peer)
	now := time.Now()
	duration := 0.0
	if hadCycle {
		duration = now.Sub(startTime).Seconds()
	} else {
		startTime = now
	}

	c.sendToUser(peer, EvCallEnded, callEndedEvent{PeerID: userID, Reason: "disconnect"})
	c.calls.Unpair(userID)

	c.recordCall(models.CallRecord{
		CallerID:  userID,
		CalleeID:  peer,
		StartTime: startTime,
		EndTime:   now,
		Duration:  duration,
		Status:    models.CallStatusDisconnected,
		EndedBy:   userID,
	})
	log.Printf("[Coordinator] %s disconnected mid-call with %s (%.0fs)", userID, peer, duration)
}

// ─── timer callbacks ─────────────────────────────────────────────

func (c *Coordinator) onRingTimeout(callerID, receiverID string) {
	c.sendToUser(callerID, EvCallTimeout, peerEvent{PeerID: receiverID})
}

func (c *Coordinator) onQueueTimeout(userID string) {
	c.sendToUser(userID, EvRandomCallTimeout, nil)
}

// ─── billing reporter ────────────────────────────────────────────

func (c *Coordinator) OnCharged(callerID, receiverID string, callerBalance, receiverCredit float64) {
	c.sendToUser(callerID, EvBalanceUpdated, balanceEvent{Balance: callerBalance})
	c.sendToUser(receiverID, EvEarningsUpdated, earningsEvent{Amount: receiverCredit})
}

func (c *Coordinator) OnInsufficientFunds(callerID, receiverID string, startTime time.Time) {
	c.sendToUser(callerID, EvInsufficientBalance, nil)
	c.sendToUser(receiverID, EvInsufficientBalance, nil)
	c.endBilledCall(callerID, receiverID, startTime, "insufficient_balance")
}

func (c *Coordinator) OnVerificationFailed(callerID, receiverID string, startTime time.Time) {
	c.sendToUser(callerID, EvBillingError, errorEvent{Message: "payment verification failed"})
	c.endBilledCall(callerID, receiverID, startTime, "billing_error")
}

func (c *Coordinator) endBilledCall(callerID, receiverID string, startTime time.Time, reason string) {
	c.sendToUser(callerID, EvCallEnded, callEndedEvent{PeerID: receiverID, Reason: reason})
	c.sendToUser(receiverID, EvCallEnded, callEndedEvent{PeerID: callerID, Reason: reason})
	c.calls.Unpair(callerID)

	now := time.Now()
	c.recordCall(models.CallRecord{
		CallerID:  callerID,
		CalleeID:  receiverID,
		StartTime: startTime,
		EndTime:   now,
		Duration:  now.Sub(startTime).Seconds(),
		Status:    models.CallStatusCompleted,
		EndedBy:   "billing",
	})
}

// ─── helpers ─────────────────────────────────────────────────────

func (c *Coordinator) sendToUser(userID, event string, payload interface{}) {
	for _, sid := range c.presence.SessionsFor(userID) {
		c.sender.SendTo(sid, event, payload)
	}
}

func (c *Coordinator) recordCall(rec models.CallRecord) {
	if err := c.history.RecordCall(rec); err != nil {
		log.Printf("[Coordinator] Call record failed (%s -> %s): %v", rec.CallerID, rec.CalleeID, err)
	}
}
