package engine

import "encoding/json"

// Inbound event names (client -> server).
const (
	EvJoin              = "join"
	EvCall              = "call"
	EvOffer             = "offer"
	EvAnswer            = "answer"
	EvIceCandidate      = "iceCandidate"
	EvAcceptCall        = "acceptCall"
	EvRejectCall        = "rejectCall"
	EvEndCall           = "endCall"
	EvMissedCall        = "missedcall"
	EvRequestRandomCall = "requestRandomCall"
	EvAcceptRandomCall  = "acceptRandomCall"
	EvRejectRandomCall  = "rejectRandomCall"
	EvCancelRandomCall  = "cancelRandomCall"
)

// Outbound event names (server -> client).
const (
	EvIncomingCall          = "incomingCall"
	EvUserBusy              = "userBusy"
	EvUserUnavailable       = "userUnavailable"
	EvCallConflict          = "callConflict"
	EvCallConnected         = "callConnected"
	EvCallAccepted          = "callAccepted"
	EvCallRejected          = "callRejected"
	EvCallEnded             = "callEnded"
	EvCallTimeout           = "callTimeout"
	EvRandomCallMatched     = "randomCallMatched"
	EvWaitingForRandomMatch = "waitingForRandomMatch"
	EvRandomCallTimeout     = "randomCallTimeout"
	EvRandomCallAccepted    = "randomCallAccepted"
	EvRandomCallRejected    = "randomCallRejected"
	EvUserStatusChanged     = "userStatusChanged"
	EvBalanceUpdated        = "balanceUpdated"
	EvEarningsUpdated       = "earningsUpdated"
	EvInsufficientBalance   = "insufficientBalance"
	EvBillingError          = "billingError"
	EvError                 = "error"
)

// inboundMessage is the wire envelope read off a websocket.
type inboundMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// outboundMessage is the wire envelope written to a websocket.
type outboundMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type joinPayload struct {
	UserID string `json:"userId"`
}

type callPayload struct {
	CallerID   string `json:"callerId"`
	ReceiverID string `json:"receiverId"`
}

type offerPayload struct {
	Offer      json.RawMessage `json:"offer"`
	CallerID   string          `json:"callerId"`
	ReceiverID string          `json:"receiverId"`
}

type answerPayload struct {
	Answer     json.RawMessage `json:"answer"`
	CallerID   string          `json:"callerId"`
	ReceiverID string          `json:"receiverId"`
}

type candidatePayload struct {
	Candidate  json.RawMessage `json:"candidate"`
	CallerID   string          `json:"callerId"`
	ReceiverID string          `json:"receiverId"`
}

type randomCallPayload struct {
	UserID string `json:"userId"`
	PeerID string `json:"peerId,omitempty"`
}

type incomingCallEvent struct {
	CallerID        string `json:"callerId"`
	CallerName      string `json:"callerName"`
	SourceSessionID string `json:"sourceSessionId"`
}

type offerEvent struct {
	Offer    json.RawMessage `json:"offer"`
	CallerID string          `json:"callerId"`
}

type answerEvent struct {
	Answer     json.RawMessage `json:"answer"`
	ReceiverID string          `json:"receiverId"`
}

type candidateEvent struct {
	Candidate json.RawMessage `json:"candidate"`
	CallerID  string          `json:"callerId"`
}

type peerEvent struct {
	PeerID   string `json:"peerId"`
	PeerName string `json:"peerName,omitempty"`
}

type callEndedEvent struct {
	PeerID string `json:"peerId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type statusChangedEvent struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type balanceEvent struct {
	Balance float64 `json:"balance"`
}

type earningsEvent struct {
	Amount float64 `json:"amount"`
}

type errorEvent struct {
	Message string `json:"message"`
}
