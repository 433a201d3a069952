package notify

import (
	"log"
)

// Sender delivers one push notification to a device. Implementations talk
// to FCM/APNs or similar; delivery is best-effort and failures are only
// logged.
type Sender interface {
	Send(deviceToken, title, body string, data map[string]string) error
}

// LogSender is the default sender: it just logs. Deployments plug a real
// gateway in via the same interface.
type LogSender struct{}

func (LogSender) Send(deviceToken, title, body string, data map[string]string) error {
	log.Printf("[Push] to=%s title=%q body=%q", deviceToken, title, body)
	return nil
}

type job struct {
	token string
	title string
	body  string
	data  map[string]string
}

// Dispatcher decouples push sends from the signaling path: Push enqueues
// and returns immediately, a background worker drains the queue. A full
// queue drops the notification rather than blocking a handler.
type Dispatcher struct {
	sender Sender
	jobs   chan job
	done   chan struct{}
}

func NewDispatcher(sender Sender, queueSize int) *Dispatcher {
	d := &Dispatcher{
		sender: sender,
		jobs:   make(chan job, queueSize),
		done:   make(chan struct{}),
	}
	go d.worker()
	return d
}

func (d *Dispatcher) worker() {
	for j := range d.jobs {
		if err := d.sender.Send(j.token, j.title, j.body, j.data); err != nil {
			log.Printf("[Push] Send failed for %s: %v", j.token, err)
		}
	}
	close(d.done)
}

// Push enqueues a notification; it never blocks. Empty device tokens are
// ignored.
func (d *Dispatcher) Push(deviceToken, title, body string, data map[string]string) {
	if deviceToken == "" {
		return
	}
	select {
	case d.jobs <- job{token: deviceToken, title: title, body: body, data: data}:
	default:
		log.Printf("[Push] Queue full, dropping notification for %s", deviceToken)
	}
}

// Close drains outstanding jobs and stops the worker.
func (d *Dispatcher) Close() {
	close(d.jobs)
	<-d.done
}
