package models

import "time"

// CallState represents the lifecycle stage of a call attempt
type CallState string

const (
	StateIdle      CallState = "IDLE"
	StateRinging   CallState = "RINGING"
	StateConnected CallState = "CONNECTED"
	StateEnded     CallState = "ENDED"
)

// Call end statuses recorded in the call history store.
const (
	CallStatusCompleted    = "completed"
	CallStatusRejected     = "rejected"
	CallStatusMissed       = "missed"
	CallStatusDisconnected = "disconnected"
)

// ActiveCall represents a call currently in progress
type ActiveCall struct {
	PairKey   string    `json:"pair_key"`
	CallerID  string    `json:"caller_id"`
	CalleeID  string    `json:"callee_id"`
	State     CallState `json:"state"`
	StartTime time.Time `json:"start_time"`
	Rate      float64   `json:"rate"` // price per billing interval
}

// CallRecord is the durable log entry written when a call terminates
type CallRecord struct {
	ID        int64     `json:"id"`
	CallerID  string    `json:"caller_id"`
	CalleeID  string    `json:"callee_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  float64   `json:"duration"` // seconds
	Status    string    `json:"status"`
	EndedBy   string    `json:"ended_by,omitempty"`
}

// User represents a platform subscriber
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password,omitempty"`
	DeviceToken string `json:"device_token,omitempty"`
	Role        string `json:"role"` // "caller" or "receiver"
}

// WalletEntry is one audit row in a user's wallet ledger
type WalletEntry struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Amount    float64   `json:"amount"` // negative = debit
	Kind      string    `json:"kind"`   // "call_charge", "call_earning", "recharge"
	PeerID    string    `json:"peer_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
