package notify

import (
	"errors"
	"sync"
	"testing"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (s *recordingSender) Send(deviceToken, title, body string, data map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, deviceToken)
	if s.fail {
		return errors.New("gateway down")
	}
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestPushDelivers(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(sender, 16)

	d.Push("tok-1", "Hello", "world", nil)
	d.Push("tok-2", "Hello", "again", nil)
	d.Close() // drains the queue

	if got := sender.count(); got != 2 {
		t.Errorf("Expected 2 sends, got %d", got)
	}
}

func TestPushIgnoresEmptyToken(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(sender, 16)

	d.Push("", "Hello", "nobody", nil)
	d.Close()

	if got := sender.count(); got != 0 {
		t.Errorf("Expected 0 sends for empty token, got %d", got)
	}
}

func TestSendFailureIsSwallowed(t *testing.T) {
	sender := &recordingSender{fail: true}
	d := NewDispatcher(sender, 16)

	d.Push("tok-1", "Hello", "world", nil)
	d.Close() // must not panic or block

	if got := sender.count(); got != 1 {
		t.Errorf("Expected the failing send attempted once, got %d", got)
	}
}
