package app

import (
	"context"
	"time"

	"adbot/internal/jobs/scheduler"
	rtsup "adbot/internal/runtime/supervisor"
)

type runtimeStatus struct {
	StartedAt  time.Time                 `json:"started_at"`
	Transport  bool                      `json:"transport_ready"`
	Jobs       int                       `json:"jobs"`
	Groups     int                       `json:"groups"`
	Timers     []scheduler.Entry         `json:"timers"`
	EventsLost uint64                    `json:"events_dropped"`
	Tasks      map[string]rtsup.Snapshot `json:"supervisors"`
}

// status backs the panel's GET /status.
func (a *App) status(context.Context) any {
	st := runtimeStatus{
		StartedAt:  a.started,
		Transport:  a.adapter.Ready(),
		Jobs:       a.cache.Len(),
		Groups:     len(a.cache.Groups()),
		Timers:     a.sched.Snapshot(),
		EventsLost: a.bus.Dropped(),
		Tasks:      map[string]rtsup.Snapshot{},
	}
	if a.sup != nil {
		st.Tasks["app"] = a.sup.Snapshot()
	}
	if s := a.adapter.Supervisor(); s != nil {
		st.Tasks["telegram"] = s.Snapshot()
	}
	if s := a.cmdm.Supervisor(); s != nil {
		st.Tasks["commands"] = s.Snapshot()
	}
	if a.panel != nil {
		if s := a.panel.Supervisor(); s != nil {
			st.Tasks["panel"] = s.Snapshot()
		}
	}
	return st
}
