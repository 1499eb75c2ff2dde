package business

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
)

const (
	// registryShardCount is the number of shards for the instance registry.
	// Must be a power of 2 for efficient modulo operation.
	registryShardCount = 32
)

// registryShard represents a single shard of the instance registry.
type registryShard struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// InstanceRegistry is the sole authority for which instances are live
// right now. It is sharded to keep health sweeps from contending with
// transport-event and send-path lookups.
//
// The registry enforces the single-owner invariant: Add never replaces an
// existing instance, so a restoration attempt for an already-registered
// name is a no-op that yields the live object.
type InstanceRegistry struct {
	shards      [registryShardCount]*registryShard
	hashSeed    maphash.Seed
	maxSize     int32
	currentSize int32 // Atomic access
}

// NewInstanceRegistry creates a sharded registry with the specified capacity.
func NewInstanceRegistry(maxSize int32) *InstanceRegistry {
	reg := &InstanceRegistry{
		maxSize:  maxSize,
		hashSeed: maphash.MakeSeed(),
	}

	const minShardCapacity = 16
	shardCapacity := int(maxSize) / registryShardCount
	if shardCapacity < minShardCapacity {
		shardCapacity = minShardCapacity
	}

	for i := range registryShardCount {
		reg.shards[i] = &registryShard{
			instances: make(map[string]*Instance, shardCapacity),
		}
	}

	return reg
}

// getShard returns the shard for a given name using maphash (zero-allocation).
func (r *InstanceRegistry) getShard(name string) *registryShard {
	h := maphash.String(r.hashSeed, name)
	return r.shards[h&(registryShardCount-1)]
}

// Add inserts an instance keyed by name. When the name is already
// registered the existing live instance is returned with added=false and
// the candidate is discarded; otherwise the candidate is returned with
// added=true. Returns ErrRegistryFull at capacity.
func (r *InstanceRegistry) Add(inst *Instance) (*Instance, bool, error) {
	if atomic.LoadInt32(&r.currentSize) >= r.maxSize {
		return nil, false, ErrRegistryFull
	}

	name := inst.Name()
	shard := r.getShard(name)

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if existing, ok := shard.instances[name]; ok {
		return existing, false, nil
	}
	shard.instances[name] = inst
	atomic.AddInt32(&r.currentSize, 1)
	return inst, true, nil
}

// Get retrieves an instance by name.
func (r *InstanceRegistry) Get(name string) (*Instance, bool) {
	shard := r.getShard(name)

	shard.mu.RLock()
	inst, exists := shard.instances[name]
	shard.mu.RUnlock()
	return inst, exists
}

// Remove deletes an instance by name, returning the removed instance.
// No-op returning nil when the name is not registered.
func (r *InstanceRegistry) Remove(name string) *Instance {
	shard := r.getShard(name)

	shard.mu.Lock()
	defer shard.mu.Unlock()
	inst, exists := shard.instances[name]
	if !exists {
		return nil
	}
	delete(shard.instances, name)
	atomic.AddInt32(&r.currentSize, -1)
	return inst
}

// Size returns the current number of registered instances.
// Thread-safe: lock-free atomic read.
func (r *InstanceRegistry) Size() int32 {
	return atomic.LoadInt32(&r.currentSize)
}

// ForEach iterates over all instances, calling fn for each.
// Creates snapshots per shard so fn runs without any registry lock held.
func (r *InstanceRegistry) ForEach(fn func(*Instance)) {
	for _, inst := range r.Snapshot() {
		fn(inst)
	}
}

// Snapshot returns all currently registered instances.
func (r *InstanceRegistry) Snapshot() []*Instance {
	var all []*Instance

	for i := range registryShardCount {
		shard := r.shards[i]
		shard.mu.RLock()
		for _, inst := range shard.instances {
			all = append(all, inst)
		}
		shard.mu.RUnlock()
	}

	return all
}
