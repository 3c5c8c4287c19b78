package main

import (
	"expvar"
	"fmt"
	"sync"

	"github.com/joeycumines/go-gpfifo/channel"
)

// introspectionFinished is the number of completed, unretired pushes included
// per channel, in the published snapshots
const introspectionFinished = 4

type (
	// introspector publishes a report for every registered manager, under
	// the "gpfifo" expvar
	introspector struct {
		once     sync.Once
		mu       sync.Mutex
		managers map[string]*channel.Manager
	}

	report struct {
		Device      string          `json:"device"`
		Status      string          `json:"status,omitempty"`
		CopyEngines map[string]int  `json:"copy_engines"`
		Channels    []channelReport `json:"channels"`
	}

	channelReport struct {
		Name          string       `json:"name"`
		Type          string       `json:"type"`
		Completed     uint64       `json:"completed"`
		Queued        uint64       `json:"queued"`
		GPUGet        uint32       `json:"gpu_get"`
		CPUPut        uint32       `json:"cpu_put"`
		CurrentPushes uint32       `json:"current_pushes"`
		FreeSlots     int          `json:"free_slots"`
		Pushes        []pushReport `json:"pushes,omitempty"`
	}

	pushReport struct {
		Description   string `json:"description"`
		Location      string `json:"location"`
		TrackingValue uint64 `json:"tracking_value"`
		Finished      bool   `json:"finished,omitempty"`
	}
)

var _ channel.Introspector = (*introspector)(nil)

// vars is shared by every run, as expvar names may only be published once
var vars introspector

func (x *introspector) Register(m *channel.Manager) error {
	x.once.Do(func() {
		expvar.Publish(`gpfifo`, expvar.Func(x.reports))
	})
	name := m.Device().Name()
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.managers[name]; ok {
		return fmt.Errorf(`device %q already registered`, name)
	}
	if x.managers == nil {
		x.managers = make(map[string]*channel.Manager)
	}
	x.managers[name] = m
	return nil
}

func (x *introspector) Unregister(m *channel.Manager) {
	x.mu.Lock()
	defer x.mu.Unlock()
	name := m.Device().Name()
	if x.managers[name] == m {
		delete(x.managers, name)
	}
}

func (x *introspector) reports() any {
	x.mu.Lock()
	defer x.mu.Unlock()
	reports := make(map[string]report, len(x.managers))
	for name, m := range x.managers {
		reports[name] = newReport(m.Snapshot(introspectionFinished))
	}
	return reports
}

func newReport(s channel.ManagerSnapshot) report {
	r := report{
		Device:      s.Device,
		CopyEngines: make(map[string]int),
		Channels:    make([]channelReport, 0, len(s.Channels)),
	}
	if s.Status != nil {
		r.Status = s.Status.Error()
	}
	for _, t := range channel.Types() {
		r.CopyEngines[t.String()] = s.CopyEngines.For(t)
	}
	for _, c := range s.Channels {
		cr := channelReport{
			Name:          c.Name,
			Type:          c.Type.String(),
			Completed:     c.Completed,
			Queued:        c.Queued,
			GPUGet:        c.GPUGet,
			CPUPut:        c.CPUPut,
			CurrentPushes: c.CurrentPushes,
			FreeSlots:     c.FreeSlots,
		}
		for _, p := range c.Pushes {
			cr.Pushes = append(cr.Pushes, pushReport{
				Description:   p.Description,
				Location:      fmt.Sprintf(`%s:%d %s`, p.File, p.Line, p.Function),
				TrackingValue: p.TrackingValue,
				Finished:      p.Finished,
			})
		}
		r.Channels = append(r.Channels, cr)
	}
	return r
}
