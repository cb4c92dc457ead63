// Package directory tracks which ports exist and which connection owns them.
package directory

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sambigeara/msgport/pkg/msgerr"
)

type ownerEntry struct {
	owner *Owner
	ports map[portKey]uint64
}

// Directory is the registry shared by every connection. The arena maps port
// id to Port; the owner index holds only ids. A single lock covers both.
type Directory struct {
	log    *zap.SugaredLogger
	ports  map[uint64]Port
	owners map[uuid.UUID]*ownerEntry
	nextID uint64
	mu     sync.RWMutex
}

func New() *Directory {
	return &Directory{
		log:    zap.S().Named("directory"),
		ports:  make(map[uint64]Port),
		owners: make(map[uuid.UUID]*ownerEntry),
		nextID: 1,
	}
}

// Attach makes owner live. Ports can only be registered for attached owners.
func (d *Directory) Attach(owner *Owner) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.owners[owner.id]; ok {
		return
	}
	d.owners[owner.id] = &ownerEntry{owner: owner, ports: make(map[portKey]uint64)}
	d.log.Debugw("owner attached", "owner", owner.id, "app", owner.appID)
}

// Register returns the owner's port for (name, trusted), creating it when
// absent. A new port is exported on the owner's sink before it becomes
// visible; if the export fails nothing is inserted and no id is consumed.
func (d *Directory) Register(owner *Owner, name string, trusted bool) (Port, bool, error) {
	if name == "" {
		return Port{}, false, msgerr.InvalidParamsf("port name must not be empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.owners[owner.id]
	if !ok {
		return Port{}, false, msgerr.IOErrorf("connection %s is closed", owner.id)
	}

	key := portKey{name: name, trusted: trusted}
	if id, ok := entry.ports[key]; ok {
		return d.ports[id], false, nil
	}

	p := Port{
		ID:      d.nextID,
		Name:    name,
		Trusted: trusted,
		OwnerID: owner.id,
		AppID:   owner.appID,
	}
	if owner.sink != nil {
		if err := owner.sink.Export(p); err != nil {
			return Port{}, false, err
		}
	}

	d.nextID++
	d.ports[p.ID] = p
	entry.ports[key] = p.ID

	d.log.Debugw("port registered", "id", p.ID, "app", p.AppID, "name", p.Name, "trusted", p.Trusted)
	return p, true, nil
}

func (d *Directory) LookupByID(id uint64) (Port, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.ports[id]
	if !ok {
		return Port{}, msgerr.NotFoundf("no port found with id '%d'", id)
	}
	return p, nil
}

// LookupByOwnerIdentity finds the port (name, trusted) of the application
// appID. An unknown application and an unknown port are indistinguishable.
// When several connections share appID, the oldest matching port wins.
func (d *Directory) LookupByOwnerIdentity(appID, name string, trusted bool) (Port, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	key := portKey{name: name, trusted: trusted}
	var (
		found Port
		ok    bool
	)
	for _, entry := range d.owners {
		if entry.owner.appID != appID {
			continue
		}
		id, exists := entry.ports[key]
		if !exists {
			continue
		}
		if !ok || id < found.ID {
			found, ok = d.ports[id], true
		}
	}
	if !ok {
		return Port{}, msgerr.NotFoundf("port not found with name '%s' on application '%s'", name, appID)
	}
	return found, nil
}

// Resolve returns the port together with its live owner.
func (d *Directory) Resolve(id uint64) (Port, *Owner, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.ports[id]
	if !ok {
		return Port{}, nil, msgerr.NotFoundf("no port found with id '%d'", id)
	}
	entry, ok := d.owners[p.OwnerID]
	if !ok {
		return Port{}, nil, msgerr.NotFoundf("no port found with id '%d'", id)
	}
	return p, entry.owner, nil
}

// UnregisterAll removes every port of owner and detaches it. It is the last
// mutation for owner: later Register calls fail. Calling it again is a no-op.
func (d *Directory) UnregisterAll(owner *Owner) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.owners[owner.id]
	if !ok {
		return 0
	}
	for _, id := range entry.ports {
		delete(d.ports, id)
		if owner.sink != nil {
			owner.sink.Unexport(id)
		}
	}
	delete(d.owners, owner.id)

	n := len(entry.ports)
	d.log.Debugw("owner detached", "owner", owner.id, "app", owner.appID, "ports", n)
	return n
}

func (d *Directory) UnregisterOne(id uint64) (Port, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.ports[id]
	if !ok {
		return Port{}, msgerr.NotFoundf("no port found with id '%d'", id)
	}
	delete(d.ports, id)
	if entry, ok := d.owners[p.OwnerID]; ok {
		delete(entry.ports, p.key())
		if entry.owner.sink != nil {
			entry.owner.sink.Unexport(id)
		}
	}

	d.log.Debugw("port unregistered", "id", id, "app", p.AppID, "name", p.Name)
	return p, nil
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.ports)
}

// Ports returns a snapshot of every live port ordered by id.
func (d *Directory) Ports() []Port {
	d.mu.RLock()
	out := make([]Port, 0, len(d.ports))
	for _, p := range d.ports {
		out = append(out, p)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Owners returns the number of attached owners.
func (d *Directory) Owners() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.owners)
}
