package orchestrator

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/taskwire/metric"
	"github.com/c360/taskwire/protocol"
)

// DeviceInfo is a snapshot of what the directory knows about one device.
type DeviceInfo struct {
	DeviceID    string                    `json:"device_id"`
	Online      bool                      `json:"online"`
	Tasks       []protocol.TaskDescriptor `json:"tasks"`
	AnnouncedAt time.Time                 `json:"announced_at"`
	LastReason  string                    `json:"last_reason,omitempty"`
}

// ChangeKind distinguishes directory change notifications.
type ChangeKind string

// Directory change kinds.
const (
	ChangeBirth ChangeKind = "birth"
	ChangeDeath ChangeKind = "death"
)

// Change is delivered to directory watchers on every birth or death.
type Change struct {
	Kind   ChangeKind
	Device DeviceInfo
}

// Directory is the capability directory: device id to capability snapshot,
// maintained from birth and death announcements. Each birth entirely
// supersedes the previous snapshot for that device.
type Directory struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	mu      sync.RWMutex
	devices map[string]*DeviceInfo
	waiters map[string][]chan struct{}

	watchMu  sync.Mutex
	watchers []func(Change)
}

func newDirectory(logger *slog.Logger, metrics *metric.Metrics) *Directory {
	return &Directory{
		logger:  logger,
		metrics: metrics,
		devices: make(map[string]*DeviceInfo),
		waiters: make(map[string][]chan struct{}),
	}
}

// Devices returns a snapshot of every known device, sorted by id.
func (d *Directory) Devices() []DeviceInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]DeviceInfo, 0, len(d.devices))
	for _, info := range d.devices {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Tasks returns the last announced task set for a device. The second
// return is false when no birth has been observed.
func (d *Directory) Tasks(deviceID string) ([]protocol.TaskDescriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.devices[deviceID]
	if !ok {
		return nil, false
	}
	tasks := make([]protocol.TaskDescriptor, len(info.Tasks))
	copy(tasks, info.Tasks)
	return tasks, true
}

// Online reports whether the device's last observed lifecycle event was a
// birth.
func (d *Directory) Online(deviceID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.devices[deviceID]
	return ok && info.Online
}

// OnChange registers a callback invoked on every birth and death. The
// callback runs on the delivery path and must not block.
func (d *Directory) OnChange(fn func(Change)) {
	if fn == nil {
		return
	}
	d.watchMu.Lock()
	d.watchers = append(d.watchers, fn)
	d.watchMu.Unlock()
}

func (d *Directory) notify(change Change) {
	d.watchMu.Lock()
	watchers := make([]func(Change), len(d.watchers))
	copy(watchers, d.watchers)
	d.watchMu.Unlock()
	for _, fn := range watchers {
		fn(change)
	}
}

func (d *Directory) recordBirth(birth *protocol.BirthAnnouncement) {
	info := &DeviceInfo{
		DeviceID:    birth.DeviceID,
		Online:      true,
		Tasks:       birth.Tasks,
		AnnouncedAt: birth.AnnouncedAt,
	}

	d.mu.Lock()
	d.devices[birth.DeviceID] = info
	waiters := d.waiters[birth.DeviceID]
	delete(d.waiters, birth.DeviceID)
	online := d.onlineCountLocked()
	d.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	if d.metrics != nil {
		d.metrics.DevicesOnline.Set(float64(online))
	}
	d.logger.Debug("birth recorded", "device_id", birth.DeviceID, "tasks", len(birth.Tasks))
	d.notify(Change{Kind: ChangeBirth, Device: *info})
}

func (d *Directory) recordDeath(death *protocol.DeathNotice) {
	d.mu.Lock()
	info, ok := d.devices[death.DeviceID]
	if !ok {
		info = &DeviceInfo{DeviceID: death.DeviceID}
		d.devices[death.DeviceID] = info
	}
	info.Online = false
	info.LastReason = death.Reason
	snapshot := *info
	online := d.onlineCountLocked()
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.DevicesOnline.Set(float64(online))
	}
	d.logger.Info("death recorded", "device_id", death.DeviceID, "reason", death.Reason)
	d.notify(Change{Kind: ChangeDeath, Device: snapshot})
}

func (d *Directory) onlineCountLocked() int {
	n := 0
	for _, info := range d.devices {
		if info.Online {
			n++
		}
	}
	return n
}

// waitFor returns a channel closed on the device's next birth.
func (d *Directory) waitFor(deviceID string) chan struct{} {
	ch := make(chan struct{})
	d.mu.Lock()
	d.waiters[deviceID] = append(d.waiters[deviceID], ch)
	d.mu.Unlock()
	return ch
}

// stopWaiting removes a waiter that gave up before the birth arrived.
func (d *Directory) stopWaiting(deviceID string, target chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	waiters := d.waiters[deviceID]
	for i, ch := range waiters {
		if ch == target {
			d.waiters[deviceID] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}
