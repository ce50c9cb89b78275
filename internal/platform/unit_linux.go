//go:build linux

package platform

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
)

// UnitProbe reads the daemon's own systemd unit over D-Bus.
type UnitProbe struct {
	unit string
	user bool

	mu   sync.Mutex
	conn *sddbus.Conn
}

// NewUnitProbe watches unit on the user manager when user is set, otherwise
// on the system manager. The connection is opened lazily.
func NewUnitProbe(unit string, user bool) *UnitProbe {
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	return &UnitProbe{unit: unit, user: user}
}

func (p *UnitProbe) connect(ctx context.Context) (*sddbus.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && p.conn.Connected() {
		return p.conn, nil
	}
	var (
		c   *sddbus.Conn
		err error
	)
	if p.user {
		c, err = sddbus.NewUserConnectionContext(ctx)
	} else {
		c, err = sddbus.NewSystemConnectionContext(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	p.conn = c
	return c, nil
}

func (p *UnitProbe) Status(ctx context.Context) (UnitStatus, error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return UnitStatus{}, err
	}
	props, err := conn.GetUnitPropertiesContext(ctx, p.unit)
	if err != nil {
		if isNoSuchUnit(err) {
			return UnitStatus{Name: p.unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}, nil
		}
		return UnitStatus{}, fmt.Errorf("status %s: %w", p.unit, err)
	}
	return statusFromProps(p.unit, props), nil
}

func (p *UnitProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	return nil
}
