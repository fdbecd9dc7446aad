package usbi3c

import (
	"fmt"
	"sync"
)

// addressChangeEntry is one pending (old,new)->callback registration,
// searched by key on GET_ADDRESS_CHANGE_RESULT completion (spec.md §4.3,
// §4.6).
type addressChangeEntry struct {
	oldAddress uint8
	newAddress uint8
	onResult   func(result AddressChangeResult, userdata any)
	userdata   any
}

// targetDeviceTable mirrors the I3C Function's device table (spec.md §4.3).
// One lock covers both the device list and the embedded address-change
// tracker, per spec.md §7: "Target device table: single lock, covers target
// list AND address-change tracker."
type targetDeviceTable struct {
	mu      sync.Mutex
	devices map[uint8]*TargetDevice
	pending []*addressChangeEntry
}

func newTargetDeviceTable() *targetDeviceTable {
	return &targetDeviceTable{devices: make(map[uint8]*TargetDevice)}
}

// get returns a copy of the record at address, or ok=false (spec.md §4.3).
func (t *targetDeviceTable) get(address uint8) (TargetDevice, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[address]
	if !ok {
		return TargetDevice{}, false
	}
	return *d, true
}

// list returns a snapshot of every tracked device (spec.md §4.3, and the
// SUPPLEMENTED Device.Devices()/Device.AddressList() accessors).
func (t *targetDeviceTable) list() []TargetDevice {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TargetDevice, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, *d)
	}
	return out
}

// insert adds or replaces the record for device.DynamicAddress (spec.md
// §4.3).
func (t *targetDeviceTable) insert(device TargetDevice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := device
	t.devices[device.DynamicAddress] = &d
}

// replaceAll atomically replaces the table's entire contents, the
// table_update_target_device_info refresh contract (spec.md §4.3): a
// successful GET_TARGET_DEVICE_TABLE refresh replaces every entry in one
// critical section. Address-change bookkeeping (pending) is untouched; a
// refresh is orthogonal to an in-flight address change.
func (t *targetDeviceTable) replaceAll(devices []TargetDevice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := make(map[uint8]*TargetDevice, len(devices))
	for _, device := range devices {
		d := device
		next[device.DynamicAddress] = &d
	}
	t.devices = next
}

// remove deletes the record at address, reporting whether one existed
// (spec.md §4.3).
func (t *targetDeviceTable) remove(address uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devices[address]; !ok {
		return false
	}
	delete(t.devices, address)
	return true
}

// changeAddress moves the record from old to new as one critical section
// (spec.md §4.3, §7: "remove from old address and insert at new address is
// one critical section"). It reports whether a record existed at old.
func (t *targetDeviceTable) changeAddress(old, new uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[old]
	if !ok {
		return false
	}
	delete(t.devices, old)
	moved := *d
	moved.DynamicAddress = new
	t.devices[new] = &moved
	return true
}

// armAddressChange registers a callback for the (old,new) address-change
// outcome, searched on GET_ADDRESS_CHANGE_RESULT completion (spec.md §4.3,
// §4.6).
func (t *targetDeviceTable) armAddressChange(old, new uint8, onResult func(AddressChangeResult, any), userdata any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, &addressChangeEntry{
		oldAddress: old,
		newAddress: new,
		onResult:   onResult,
		userdata:   userdata,
	})
}

// resolveAddressChange is the GET_ADDRESS_CHANGE_RESULT completion handler
// (spec.md §4.6 "Address change status"): for each decoded result, on
// success it atomically moves the device table record, then finds the
// matching pending entry by (old<<8)|new. Per spec.md §9's design note on
// recursive locking, this gathers every match under the lock and only
// invokes callbacks after releasing it, rather than calling back into
// application code while the table lock is held.
func (t *targetDeviceTable) resolveAddressChange(results []AddressChangeResult) {
	type fired struct {
		entry  *addressChangeEntry
		result AddressChangeResult
	}
	var callbacks []fired

	t.mu.Lock()
	for _, res := range results {
		if res.Succeeded {
			if d, ok := t.devices[res.OldAddress]; ok {
				delete(t.devices, res.OldAddress)
				moved := *d
				moved.DynamicAddress = res.NewAddress
				t.devices[res.NewAddress] = &moved
			}
		}

		key := addressChangeKey(res.OldAddress, res.NewAddress)
		idx := -1
		for i, e := range t.pending {
			if addressChangeKey(e.oldAddress, e.newAddress) == key {
				idx = i
				break
			}
		}
		if idx == -1 {
			continue
		}
		entry := t.pending[idx]
		t.pending = append(t.pending[:idx], t.pending[idx+1:]...)
		if entry.onResult != nil {
			callbacks = append(callbacks, fired{entry: entry, result: res})
		}
	}
	t.mu.Unlock()

	for _, f := range callbacks {
		f.entry.onResult(f.result, f.entry.userdata)
	}
}

// errNoSuchEntry is returned by table helpers that report absence through an
// error rather than a boolean, used by the public per-device accessors.
var errNoSuchEntry = fmt.Errorf("%w: no entry at that address", ErrDeviceNotFound)
