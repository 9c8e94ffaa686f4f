package stores

import "sync"

// DeviceLocks hands out one mutex per device so concurrent captures from
// the same device serialize their streak/similarity updates while
// captures from different devices never block each other.
type DeviceLocks struct {
	locks map[string]*sync.Mutex
	mu    sync.Mutex
}

// NewDeviceLocks creates an empty lock registry.
func NewDeviceLocks() *DeviceLocks {
	return &DeviceLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the device's mutex, creating it on first use.
func (d *DeviceLocks) Lock(deviceID string) {
	d.mu.Lock()
	lock, exists := d.locks[deviceID]
	if !exists {
		lock = &sync.Mutex{}
		d.locks[deviceID] = lock
	}
	d.mu.Unlock()

	lock.Lock()
}

// Unlock releases the device's mutex.
func (d *DeviceLocks) Unlock(deviceID string) {
	d.mu.Lock()
	lock := d.locks[deviceID]
	d.mu.Unlock()

	if lock != nil {
		lock.Unlock()
	}
}
