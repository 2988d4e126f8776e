package hbm

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/takehaya/cnic/pkg/device"
	"go.uber.org/zap"
)

var (
	ErrInvalidLayout = errors.New("hbm: invalid layout")
	ErrRegionFull    = errors.New("hbm: region full")
	ErrRegionBusy    = errors.New("hbm: region claimed by an active session")
	ErrUnknownRegion = errors.New("hbm: unknown region")
	ErrNoSlot        = errors.New("hbm: no slot at offset")
)

// Allocator partitions device memory into regions and appends whole slots to them.
// It is driven by a single controlling goroutine; Regions may be called from any goroutine.
type Allocator struct {
	dev     device.Device
	logger  *zap.Logger
	regions atomic.Pointer[[]*Region]
	// minSlot is the smallest slot the framer produces; a region with less
	// room left than this is full.
	minSlot uint64
}

func NewAllocator(dev device.Device, minSlot int, logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Allocator{dev: dev, logger: logger, minSlot: uint64(minSlot)}
	empty := []*Region{}
	a.regions.Store(&empty)
	return a
}

func (a *Allocator) list() []*Region {
	return *a.regions.Load()
}

// Configure replaces the memory layout. Regions are laid out back to back
// from address 0. Nothing changes if the layout is rejected.
func (a *Allocator) Configure(specs []RegionSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("%w: no regions", ErrInvalidLayout)
	}
	var total uint64
	for i, s := range specs {
		if s.Capacity == 0 {
			return fmt.Errorf("%w: region %d has zero capacity", ErrInvalidLayout, i)
		}
		if s.Role != RoleTransmit && s.Role != RoleReceive {
			return fmt.Errorf("%w: region %d has %s", ErrInvalidLayout, i, s.Role)
		}
		total += s.Capacity
		if total < s.Capacity {
			return fmt.Errorf("%w: capacity overflow", ErrInvalidLayout)
		}
	}
	if size := a.dev.MemorySize(); total > size {
		return fmt.Errorf("%w: %d bytes requested, device has %d", ErrInvalidLayout, total, size)
	}
	for _, r := range a.list() {
		r.mu.Lock()
		owner := r.owner
		r.mu.Unlock()
		if owner != "" {
			return fmt.Errorf("%w: region %d held by %s", ErrRegionBusy, r.ID, owner)
		}
	}

	regions := make([]*Region, len(specs))
	var base uint64
	for i, s := range specs {
		regions[i] = &Region{ID: i, Base: base, Capacity: s.Capacity, Role: s.Role}
		base += s.Capacity
	}
	a.regions.Store(&regions)
	a.logger.Info("memory layout configured",
		zap.Int("regions", len(regions)),
		zap.Uint64("bytes", total),
	)
	return nil
}

func (a *Allocator) region(id int) (*Region, error) {
	list := a.list()
	if id < 0 || id >= len(list) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRegion, id)
	}
	return list[id], nil
}

// Write appends one slot to the region and returns the absolute address it was written at.
func (a *Allocator) Write(id int, slot []byte) (uint64, error) {
	r, err := a.region(id)
	if err != nil {
		return 0, err
	}
	size := uint64(len(slot))
	off := r.writeOff.Load()
	if r.full.Load() || size > r.Capacity-off {
		r.full.Store(true)
		return 0, fmt.Errorf("%w: region %d has %d of %d bytes left, slot needs %d",
			ErrRegionFull, id, r.Capacity-off, r.Capacity, size)
	}
	addr := r.Base + off
	if err := a.dev.WriteMemory(addr, slot); err != nil {
		return 0, fmt.Errorf("failed write slot to region %d: %w", id, err)
	}

	r.mu.Lock()
	r.slots = append(r.slots, slotRef{off: off, size: size})
	r.mu.Unlock()
	r.nslots.Add(1)
	r.writeOff.Store(off + size)
	if r.Capacity-(off+size) < a.minSlot {
		r.full.Store(true)
	}
	return addr, nil
}

// Read returns the slot previously written at the absolute address addr.
func (a *Allocator) Read(id int, addr uint64) ([]byte, error) {
	r, err := a.region(id)
	if err != nil {
		return nil, err
	}
	if addr < r.Base {
		return nil, fmt.Errorf("%w: 0x%x is below region %d", ErrNoSlot, addr, id)
	}
	rel := addr - r.Base

	r.mu.Lock()
	i := sort.Search(len(r.slots), func(i int) bool { return r.slots[i].off >= rel })
	var ref slotRef
	found := i < len(r.slots) && r.slots[i].off == rel
	if found {
		ref = r.slots[i]
	}
	r.mu.Unlock()
	if !found {
		return nil, fmt.Errorf("%w: 0x%x in region %d", ErrNoSlot, addr, id)
	}

	data, err := a.dev.ReadMemory(addr, int(ref.size))
	if err != nil {
		return nil, fmt.Errorf("failed read slot from region %d: %w", id, err)
	}
	if end := rel + ref.size; end > r.readOff.Load() {
		r.readOff.Store(end)
	}
	return data, nil
}

// Slots returns the absolute addresses of every slot of the region in write order.
func (a *Allocator) Slots(id int) ([]uint64, error) {
	r, err := a.region(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	addrs := make([]uint64, len(r.slots))
	for i, s := range r.slots {
		addrs[i] = r.Base + s.off
	}
	return addrs, nil
}

// Reset rewinds the region. It is refused while a session holds the region.
func (a *Allocator) Reset(id int) error {
	r, err := a.region(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	owner := r.owner
	r.mu.Unlock()
	if owner != "" {
		return fmt.Errorf("%w: region %d held by %s", ErrRegionBusy, id, owner)
	}
	r.reset()
	return nil
}

// Claim gives owner exclusive write use of the region until Release.
// Claiming a region already held by the same owner is a no-op.
func (a *Allocator) Claim(id int, owner string) error {
	r, err := a.region(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owner != "" && r.owner != owner {
		return fmt.Errorf("%w: region %d held by %s", ErrRegionBusy, id, r.owner)
	}
	r.owner = owner
	return nil
}

func (a *Allocator) Release(id int, owner string) {
	r, err := a.region(id)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owner == owner {
		r.owner = ""
	}
}

// Rewind resets a region held by owner, e.g. when a session starts over.
func (a *Allocator) Rewind(id int, owner string) error {
	r, err := a.region(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	held := r.owner
	r.mu.Unlock()
	if held != owner {
		return fmt.Errorf("%w: region %d held by %q, not %q", ErrRegionBusy, id, held, owner)
	}
	r.reset()
	return nil
}

// MarkFull flags the region so no further slot is accepted.
func (a *Allocator) MarkFull(id int) {
	if r, err := a.region(id); err == nil {
		r.full.Store(true)
	}
}

func (a *Allocator) Remaining(id int) (uint64, error) {
	r, err := a.region(id)
	if err != nil {
		return 0, err
	}
	return r.Remaining(), nil
}

func (a *Allocator) Info(id int) (RegionInfo, error) {
	r, err := a.region(id)
	if err != nil {
		return RegionInfo{}, err
	}
	return r.info(), nil
}

// Regions returns a snapshot of every region.
func (a *Allocator) Regions() []RegionInfo {
	list := a.list()
	out := make([]RegionInfo, len(list))
	for i, r := range list {
		out[i] = r.info()
	}
	return out
}

// RegionsByRole returns the IDs of the regions with the given role in address order.
func (a *Allocator) RegionsByRole(role Role) []int {
	var ids []int
	for _, r := range a.list() {
		if r.Role == role {
			ids = append(ids, r.ID)
		}
	}
	return ids
}
