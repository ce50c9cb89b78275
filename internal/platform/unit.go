package platform

import (
	"fmt"
	"strings"
	"time"
)

// UnitStatus is the state systemd holds for a unit.
type UnitStatus struct {
	Name        string    `json:"name"`
	Active      string    `json:"active"`     // active, inactive, failed, ...
	SubState    string    `json:"sub_state"`  // running, dead, ...
	LoadState   string    `json:"load_state"` // loaded, not-found, ...
	Description string    `json:"description,omitempty"`
	ActiveSince time.Time `json:"active_since,omitzero"`
	Restarts    uint32    `json:"restarts"`
	Memory      uint64    `json:"memory,omitempty"`
}

func (s UnitStatus) String() string {
	out := fmt.Sprintf("%s %s (%s)", s.Name, s.Active, s.SubState)
	if !s.ActiveSince.IsZero() && s.Active == "active" {
		out += " since " + s.ActiveSince.Format(time.DateTime)
	}
	if s.Restarts > 0 {
		out += fmt.Sprintf(", %d restart(s)", s.Restarts)
	}
	return out
}

func statusFromProps(name string, props map[string]any) UnitStatus {
	st := UnitStatus{
		Name:        name,
		Active:      stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
		LoadState:   stringProp(props, "LoadState"),
		Description: stringProp(props, "Description"),
		ActiveSince: timestampProp(props, "ActiveEnterTimestamp"),
	}
	if st.LoadState == "not-found" {
		return UnitStatus{Name: name, Active: "unknown", SubState: "not-found", LoadState: "not-found"}
	}
	if n, ok := props["NRestarts"].(uint32); ok {
		st.Restarts = n
	}
	// MemoryCurrent is MaxUint64 when accounting is off.
	if m, ok := props["MemoryCurrent"].(uint64); ok && m != ^uint64(0) {
		st.Memory = m
	}
	return st
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

// timestampProp reads a systemd timestamp (microseconds since the epoch).
func timestampProp(props map[string]any, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func isNoSuchUnit(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "NoSuchUnit") || strings.Contains(s, "not-found")
}
