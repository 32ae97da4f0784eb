package cluster

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/solarcloud7/clusterio-surface-export/pkg/errdefs"
	"github.com/solarcloud7/clusterio-surface-export/pkg/log"
)

// Host is a worker node running instances.
type Host struct {
	ID        int
	Name      string
	Connected bool
	Deleted   bool
}

// Instance is a managed game-server process assigned to a host. HostID
// is 0 when unassigned.
type Instance struct {
	ID        int
	Name      string
	HostID    int
	Status    string
	Connected bool
	Deleted   bool
}

// Directory tracks the hosts and instances known to the controller.
// It is updated from connection-lifecycle callbacks and read by the
// tree builder and the orchestrator's target resolution.
type Directory struct {
	mu        sync.RWMutex
	hosts     map[int]*Host
	instances map[int]*Instance
	logger    zerolog.Logger
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		hosts:     make(map[int]*Host),
		instances: make(map[int]*Instance),
		logger:    log.WithComponent("cluster"),
	}
}

// UpsertHost registers or updates a host.
func (d *Directory) UpsertHost(h *Host) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := *h
	d.hosts[h.ID] = &copied
}

// UpsertInstance registers or updates an instance.
func (d *Directory) UpsertInstance(inst *Instance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := *inst
	d.instances[inst.ID] = &copied
}

// SetHostConnected flips a host's connection state.
func (d *Directory) SetHostConnected(hostID int, connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.hosts[hostID]; ok {
		h.Connected = connected
	}
}

// SetInstanceConnected flips an instance's connection state.
func (d *Directory) SetInstanceConnected(instanceID int, connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if inst, ok := d.instances[instanceID]; ok {
		inst.Connected = connected
	}
}

// MarkHostDeleted removes a host from enumeration.
func (d *Directory) MarkHostDeleted(hostID int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.hosts[hostID]; ok {
		h.Deleted = true
	}
}

// MarkInstanceDeleted removes an instance from enumeration.
func (d *Directory) MarkInstanceDeleted(instanceID int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if inst, ok := d.instances[instanceID]; ok {
		inst.Deleted = true
	}
}

// Host returns a host by ID.
func (d *Directory) Host(id int) (*Host, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.hosts[id]
	if !ok || h.Deleted {
		return nil, false
	}
	copied := *h
	return &copied, true
}

// Instance returns an instance by ID.
func (d *Directory) Instance(id int) (*Instance, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	inst, ok := d.instances[id]
	if !ok || inst.Deleted {
		return nil, false
	}
	copied := *inst
	return &copied, true
}

// Hosts returns all non-deleted hosts.
func (d *Directory) Hosts() []*Host {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Host, 0, len(d.hosts))
	for _, h := range d.hosts {
		if h.Deleted {
			continue
		}
		copied := *h
		out = append(out, &copied)
	}
	return out
}

// Instances returns all non-deleted instances.
func (d *Directory) Instances() []*Instance {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Instance, 0, len(d.instances))
	for _, inst := range d.instances {
		if inst.Deleted {
			continue
		}
		copied := *inst
		out = append(out, &copied)
	}
	return out
}

// Resolve maps a reference to an instance: a numeric instance ID, an
// instance name, or an assigned-host ID as fallback (the first instance
// on that host).
func (d *Directory) Resolve(ref any) (*Instance, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var (
		id      int
		numeric bool
		name    string
	)
	switch v := ref.(type) {
	case int:
		id, numeric = v, true
	case int64:
		id, numeric = int(v), true
	case float64:
		id, numeric = int(v), true
	case string:
		name = v
		if n, err := strconv.Atoi(v); err == nil {
			id, numeric = n, true
		}
	default:
		return nil, fmt.Errorf("instance reference %v: %w", ref, errdefs.ErrInvalid)
	}

	if numeric {
		if inst, ok := d.instances[id]; ok && !inst.Deleted {
			copied := *inst
			return &copied, nil
		}
	}

	if name != "" {
		for _, inst := range d.instances {
			if !inst.Deleted && inst.Name == name {
				copied := *inst
				return &copied, nil
			}
		}
	}

	// Fallback: a host ID resolves to an instance assigned to that host.
	if numeric {
		if h, ok := d.hosts[id]; ok && !h.Deleted {
			var best *Instance
			for _, inst := range d.instances {
				if inst.Deleted || inst.HostID != id {
					continue
				}
				if best == nil || inst.ID < best.ID {
					best = inst
				}
			}
			if best != nil {
				copied := *best
				return &copied, nil
			}
		}
	}

	return nil, fmt.Errorf("instance %v: %w", ref, errdefs.ErrNotFound)
}
