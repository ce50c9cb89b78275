//go:build !linux

package platform

import (
	"context"
	"errors"
)

var ErrUnsupported = errors.New("platform: systemd is linux only")

type UnitProbe struct{ unit string }

func NewUnitProbe(unit string, _ bool) *UnitProbe { return &UnitProbe{unit: unit} }

func (p *UnitProbe) Status(context.Context) (UnitStatus, error) {
	return UnitStatus{}, ErrUnsupported
}

func (p *UnitProbe) Close() error { return nil }
