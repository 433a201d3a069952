package firewall

import (
	"log"
	"sync"
)

// Firewall blocks source IPs that keep failing websocket authentication.
type Firewall struct {
	mu          sync.RWMutex
	threshold   int
	blacklisted map[string]bool
	failedAuths map[string]int
}

func NewFirewall(threshold int) *Firewall {
	if threshold <= 0 {
		threshold = 5
	}
	return &Firewall{
		threshold:   threshold,
		blacklisted: make(map[string]bool),
		failedAuths: make(map[string]int),
	}
}

func (f *Firewall) IsAllowed(ip string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return !f.blacklisted[ip]
}

func (f *Firewall) RecordFailedAuth(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failedAuths[ip]++
	if f.failedAuths[ip] >= f.threshold {
		f.blacklisted[ip] = true
		log.Printf("[Firewall] IP %s blocked after %d failed auth attempts", ip, f.failedAuths[ip])
	}
}

func (f *Firewall) Blacklist() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	list := make([]string, 0, len(f.blacklisted))
	for ip := range f.blacklisted {
		list = append(list, ip)
	}
	return list
}
