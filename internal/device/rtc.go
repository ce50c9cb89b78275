package device

import (
	"os"
	"strconv"
	"sync"
	"time"
)

const DefaultRTCPath = "/sys/class/rtc/rtc0/wakealarm"

// RTCAlarm programs the hardware wake alarm so a suspended host resumes
// before the earliest pending instant.
type RTCAlarm struct {
	mu   sync.Mutex
	path string
	lead time.Duration
}

// NewRTCAlarm wakes the host lead before each instant.
func NewRTCAlarm(path string, lead time.Duration) *RTCAlarm {
	if path == "" {
		path = DefaultRTCPath
	}
	return &RTCAlarm{path: path, lead: lead}
}

// Set replaces the registration. A zero time clears it.
func (a *RTCAlarm) Set(at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	// The kernel rejects a new value while one is armed; clear first.
	if err := os.WriteFile(a.path, []byte("0"), 0o644); err != nil {
		return err
	}
	if at.IsZero() {
		return nil
	}
	wake := at.Add(-a.lead)
	if now := time.Now(); !wake.After(now) {
		wake = now.Add(2 * time.Second)
	}
	return os.WriteFile(a.path, []byte(strconv.FormatInt(wake.Unix(), 10)), 0o644)
}
