package firewall

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("firewall")

// DefaultMaxFailedAuth is the lockout threshold when none is configured.
const DefaultMaxFailedAuth = 5

// Firewall handles IP blacklisting and brute-force protection
type Firewall struct {
	mu            sync.RWMutex
	maxFailedAuth int
	blacklisted   map[string]bool
	failedAuths   map[string]int
}

func NewFirewall(maxFailedAuth int) *Firewall {
	if maxFailedAuth <= 0 {
		maxFailedAuth = DefaultMaxFailedAuth
	}
	return &Firewall{
		maxFailedAuth: maxFailedAuth,
		blacklisted:   make(map[string]bool),
		failedAuths:   make(map[string]int),
	}
}

func (f *Firewall) IsAllowed(ip string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return !f.blacklisted[ip]
}

// RecordFailedAuth counts a failure and reports whether ip is now blocked.
func (f *Firewall) RecordFailedAuth(ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failedAuths[ip]++
	if f.failedAuths[ip] >= f.maxFailedAuth && !f.blacklisted[ip] {
		f.blacklisted[ip] = true
		log.Warnf("IP %s blocked after %d failed attempts", ip, f.failedAuths[ip])
	}
	return f.blacklisted[ip]
}

// RecordSuccess clears the failure count of an address that is not blocked.
func (f *Firewall) RecordSuccess(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.blacklisted[ip] {
		delete(f.failedAuths, ip)
	}
}

func (f *Firewall) GetBlacklist() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	list := make([]string, 0, len(f.blacklisted))
	for ip := range f.blacklisted {
		list = append(list, ip)
	}
	return list
}
