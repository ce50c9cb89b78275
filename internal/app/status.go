package app

import (
	"context"
	"time"

	"wakecall/internal/delivery"
	"wakecall/internal/interrupt"
	"wakecall/internal/platform"
	"wakecall/internal/trigger"
)

// Status is the document served at /status and printed by `wakecall status`.
type Status struct {
	Started   time.Time            `json:"started"`
	Trigger   trigger.Snapshot     `json:"trigger"`
	Delivery  delivery.Snapshot    `json:"delivery"`
	Interrupt *interrupt.Snapshot  `json:"interrupt,omitempty"`
	Unit      *platform.UnitStatus `json:"unit,omitempty"`
}

const statusHistory = 20

func (a *App) Status(ctx context.Context) Status {
	st := Status{
		Started:  a.started,
		Trigger:  a.trigger.Snapshot(),
		Delivery: a.delivery.Snapshot(statusHistory),
	}
	if a.presenter != nil {
		snap := a.presenter.Snapshot()
		st.Interrupt = &snap
	}
	if a.unit != nil {
		uctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if us, err := a.unit.Status(uctx); err == nil {
			st.Unit = &us
		}
	}
	return st
}
