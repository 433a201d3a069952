package engine

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"callbridge/internal/auth"
	"callbridge/internal/firewall"
	"callbridge/pkg/utils"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

type wsSession struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *wsSession) send(msg outboundMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(msg)
}

// WSServer terminates signaling websockets, assigns each connection its
// session id, and feeds events to the coordinator in arrival order.
type WSServer struct {
	coord    *Coordinator
	auth     *auth.Manager
	fw       *firewall.Firewall
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*wsSession
}

func NewWSServer(authMgr *auth.Manager, fw *firewall.Firewall) *WSServer {
	return &WSServer{
		auth: authMgr,
		fw:   fw,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*wsSession),
	}
}

// SetCoordinator must be called before Start; the coordinator is built
// after the server because it needs the server as its Sender.
func (s *WSServer) SetCoordinator(c *Coordinator) {
	s.coord = c
}

func (s *WSServer) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	log.Printf("[WS] Signaling server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}

func (s *WSServer) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.fw.IsAllowed(ip) {
		log.Printf("[WS] Blocked connection from %s", ip)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	token := r.URL.Query().Get("token")
	if _, err := s.auth.ValidateToken(token); err != nil {
		s.fw.RecordFailedAuth(ip)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed from %s: %v", ip, err)
		return
	}

	sess := &wsSession{
		id:   uuid.New().String(),
		conn: conn,
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	utils.ConnectedSessions.Inc()
	log.Printf("[WS] Session %s connected from %s", sess.id, ip)

	s.readLoop(sess)
}

func (s *WSServer) readLoop(sess *wsSession) {
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		utils.ConnectedSessions.Dec()
		sess.conn.Close()

		s.coord.HandleDisconnect(sess.id)
		log.Printf("[WS] Session %s closed", sess.id)
	}()

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.SendTo(sess.id, EvError, errorEvent{Message: "malformed message"})
			continue
		}
		s.dispatch(sess.id, msg)
	}
}

// dispatch routes one event to its handler. A handler error or panic is
// confined to this event: the originating session gets a structured error
// and the loop keeps running.
func (s *WSServer) dispatch(sessionID string, msg inboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WS] Handler panic on %q from %s: %v", msg.Event, sessionID, r)
			s.SendTo(sessionID, EvError, errorEvent{Message: "internal error"})
		}
	}()

	utils.SignalingEventsTotal.WithLabelValues(msg.Event).Inc()

	var err error
	switch msg.Event {
	case EvJoin:
		err = s.coord.HandleJoin(sessionID, msg.Data)
	case EvCall:
		err = s.coord.HandleCall(sessionID, msg.Data)
	case EvOffer:
		err = s.coord.HandleOffer(sessionID, msg.Data)
	case EvAnswer:
		err = s.coord.HandleAnswer(sessionID, msg.Data)
	case EvIceCandidate:
		err = s.coord.HandleIceCandidate(sessionID, msg.Data)
	case EvAcceptCall:
		err = s.coord.HandleAcceptCall(sessionID, msg.Data)
	case EvRejectCall:
		err = s.coord.HandleRejectCall(sessionID, msg.Data)
	case EvEndCall:
		err = s.coord.HandleEndCall(sessionID, msg.Data)
	case EvMissedCall:
		err = s.coord.HandleMissedCall(sessionID, msg.Data)
	case EvRequestRandomCall:
		err = s.coord.HandleRequestRandomCall(sessionID, msg.Data)
	case EvAcceptRandomCall:
		err = s.coord.HandleAcceptRandomCall(sessionID, msg.Data)
	case EvRejectRandomCall:
		err = s.coord.HandleRejectRandomCall(sessionID, msg.Data)
	case EvCancelRandomCall:
		err = s.coord.HandleCancelRandomCall(sessionID, msg.Data)
	default:
		s.SendTo(sessionID, EvError, errorEvent{Message: "unknown event: " + msg.Event})
	}

	if err != nil {
		log.Printf("[WS] %q from %s failed: %v", msg.Event, sessionID, err)
		s.SendTo(sessionID, EvError, errorEvent{Message: err.Error()})
	}
}

// SendTo implements Sender. Sends to vanished sessions are dropped
// silently; disconnect cleanup is already on its way.
func (s *WSServer) SendTo(sessionID, event string, payload interface{}) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	if err := sess.send(outboundMessage{Event: event, Data: payload}); err != nil {
		log.Printf("[WS] Write to %s failed: %v", sessionID, err)
	}
}

// Broadcast implements Sender.
func (s *WSServer) Broadcast(event string, payload interface{}) {
	s.mu.RLock()
	targets := make([]*wsSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		if err := sess.send(outboundMessage{Event: event, Data: payload}); err != nil {
			log.Printf("[WS] Broadcast to %s failed: %v", sess.id, err)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
