package usbi3c

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// maxCapabilityBufferLength and maxTargetTableBufferLength bound the class
// request buffers this package will allocate; the device's actual buffers
// are always smaller in practice (spec.md §4.7 headers carry their own
// length fields, so an oversized read simply returns fewer bytes).
const (
	maxCapabilityBufferLength    = 4096
	maxTargetTableBufferLength   = 4096
	maxAddressChangeResultLength = 1024
)

// Device is a single attached I3C Function: the USB transport handle, the
// request tracker, the target device table, device info, the event-loop
// reader and the command queue (spec.md §3 "Ownership summary").
type Device struct {
	transport Transport
	cfg       Config

	tracker *requestTracker
	table   *targetDeviceTable

	lifecycle *deviceLifecycle

	infoMu sync.RWMutex
	info   DeviceInfo

	queueMu sync.Mutex
	queue   []*Command

	idMu          sync.Mutex
	nextRequestID uint16

	stalledMu   sync.Mutex
	stalledFSMs map[uint16]*stalledRequestFSM

	addressChangeMu   sync.Mutex
	addressChangeFSMs map[uint16]*addressChangeFSM

	callbackMu              sync.Mutex
	controllerEventCallback func(code uint8, userdata any)
	controllerEventUserdata any
	busErrorCallback        func(code uint8, userdata any)
	busErrorUserdata        any

	busInitialized chan struct{}

	eg        *errgroup.Group
	loopCtx   context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewDevice wraps an already-open Transport (spec.md §1, §6). It performs
// no I/O; call Open to run the capability-fetch/bus-init/table-fetch
// sequence described in spec.md §4.8's device lifecycle.
func NewDevice(transport Transport, opts ...Option) *Device {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Device{
		transport:         transport,
		cfg:               cfg,
		tracker:           &requestTracker{reattemptMaxVal: cfg.reattemptMax},
		table:             newTargetDeviceTable(),
		lifecycle:         newDeviceLifecycle(),
		stalledFSMs:       make(map[uint16]*stalledRequestFSM),
		addressChangeFSMs: make(map[uint16]*addressChangeFSM),
		busInitialized:    make(chan struct{}),
	}
}

// Open runs the device lifecycle sequence: GET_I3C_CAPABILITY, start the
// event loop, INITIALIZE_I3C_BUS, wait for the matching notification, then
// GET_TARGET_DEVICE_TABLE (spec.md §4.8 "Device lifecycle").
func (d *Device) Open(ctx context.Context) error {
	caps, entries, err := getI3CCapability(ctx, d.transport, maxCapabilityBufferLength)
	if err != nil {
		return fmt.Errorf("usbi3c: fetch capabilities: %w", err)
	}
	d.infoMu.Lock()
	d.info.Capabilities = caps
	d.infoMu.Unlock()
	if err := d.lifecycle.fire(ctx, triggerCapabilitiesFetched); err != nil {
		return fmt.Errorf("usbi3c: %w", err)
	}

	d.startEventLoop()

	mode := selectInitMode(caps.DataType, entries)
	if err := initializeI3CBus(ctx, d.transport, mode); err != nil {
		return fmt.Errorf("usbi3c: initialize bus: %w", err)
	}

	select {
	case <-d.busInitialized:
	case <-ctx.Done():
		return fmt.Errorf("usbi3c: waiting for bus-initialized notification: %w", ctx.Err())
	}
	if err := d.lifecycle.fire(ctx, triggerBusInitialized); err != nil {
		return fmt.Errorf("usbi3c: %w", err)
	}

	if err := d.RefreshTargetDeviceTable(ctx); err != nil {
		// Initialization path: a failed refresh leaves the table empty
		// (spec.md §4.3 "Refresh contract"), since the table was never
		// populated to begin with.
		return err
	}
	return d.lifecycle.fire(ctx, triggerTableFetched)
}

// RequestReattemptMax returns the current stall-on-nack reattempt budget,
// read atomically under the tracker lock (spec.md §5
// "usbi3c_get_request_reattempt_max").
func (d *Device) RequestReattemptMax() int {
	return d.tracker.getReattemptMax()
}

// SetRequestReattemptMax adjusts the stall-on-nack reattempt budget
// atomically under the tracker lock (spec.md §5
// "usbi3c_set_request_reattempt_max").
func (d *Device) SetRequestReattemptMax(n int) {
	d.tracker.setReattemptMax(n)
}

// RefreshTargetDeviceTable is table_update_target_device_info (spec.md
// §4.3): it issues GET_TARGET_DEVICE_TABLE, parses the response, and
// replaces the table's contents atomically. A failed transfer leaves the
// existing table untouched.
func (d *Device) RefreshTargetDeviceTable(ctx context.Context) error {
	devices, err := getTargetDeviceTable(ctx, d.transport, maxTargetTableBufferLength)
	if err != nil {
		return fmt.Errorf("usbi3c: refresh target device table: %w", err)
	}
	d.table.replaceAll(devices)
	return nil
}

// Close tears down the event loop and releases the transport (spec.md
// §4.5 "Shutdown").
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
			err = d.eg.Wait()
		}
		d.tracker.resetPendingResponses()
		_ = d.lifecycle.fire(context.Background(), triggerTeardown)
		if cerr := d.transport.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// DeviceInfo returns a snapshot of the device's capabilities and runtime
// state (spec.md §3).
func (d *Device) DeviceInfo() DeviceInfo {
	d.infoMu.RLock()
	defer d.infoMu.RUnlock()
	return d.info
}

// Devices returns a snapshot of every tracked target device. This is the
// usbi3c_get_devices supplemented accessor (SPEC_FULL.md "SUPPLEMENTED
// FEATURES").
func (d *Device) Devices() []TargetDevice {
	return d.table.list()
}

// AddressList returns the dynamic addresses of every tracked device. This
// is the usbi3c_get_address_list supplemented accessor.
func (d *Device) AddressList() []uint8 {
	devices := d.table.list()
	addrs := make([]uint8, len(devices))
	for i, dev := range devices {
		addrs[i] = dev.DynamicAddress
	}
	return addrs
}

// GetTargetInfo returns the record for a dynamic address. This is the
// usbi3c_get_target_info supplemented accessor.
func (d *Device) GetTargetInfo(address uint8) (TargetDevice, error) {
	dev, ok := d.table.get(address)
	if !ok {
		return TargetDevice{}, fmt.Errorf("usbi3c: target 0x%02x: %w", address, errNoSuchEntry)
	}
	return dev, nil
}

// GetTargetDeviceMaxIBIPayload returns the configured max IBI payload size
// for a target. This is the usbi3c_get_target_device_max_ibi_payload
// supplemented accessor.
func (d *Device) GetTargetDeviceMaxIBIPayload(address uint8) (uint16, error) {
	dev, err := d.GetTargetInfo(address)
	if err != nil {
		return 0, err
	}
	return dev.Config.MaxIBIPayloadSize, nil
}

// SetTargetDeviceMaxIBIPayload pushes a new max IBI payload size for a
// target via SET_TARGET_DEVICE_CONFIG. This is the
// usbi3c_set_target_device_max_ibi_payload supplemented mutator.
func (d *Device) SetTargetDeviceMaxIBIPayload(ctx context.Context, address uint8, size uint16) error {
	dev, err := d.GetTargetInfo(address)
	if err != nil {
		return err
	}
	dev.Config.MaxIBIPayloadSize = size
	if err := setTargetDeviceConfig(ctx, d.transport, []TargetDevice{dev}); err != nil {
		return fmt.Errorf("usbi3c: set target device config: %w", err)
	}
	d.table.insert(dev)
	return nil
}

// EnableFeature issues SET_FEATURE after validating the request against
// device info, per spec.md §4.7's "Validation policy for feature changes":
// capabilities must be known, controller-only features require active
// controller role, and the capability flag for the feature must be set.
// This is the usbi3c_enable_feature supplemented entry point.
func (d *Device) EnableFeature(ctx context.Context, selector FeatureSelector) error {
	if err := d.validateFeatureChange(selector); err != nil {
		return err
	}
	if d.featureEnabled(selector) {
		// "SET_FEATURE on an already-enabled feature succeeds without
		// contacting the device" (spec.md §4.7).
		return nil
	}
	if err := setFeature(ctx, d.transport, selector); err != nil {
		return fmt.Errorf("usbi3c: enable feature 0x%02x: %w", selector, err)
	}
	d.setFeatureState(selector, true)
	return nil
}

// DisableFeature issues CLEAR_FEATURE with the same validation policy as
// EnableFeature. This is the usbi3c_disable_feature supplemented entry
// point.
func (d *Device) DisableFeature(ctx context.Context, selector FeatureSelector) error {
	if err := d.validateFeatureChange(selector); err != nil {
		return err
	}
	if err := clearFeature(ctx, d.transport, selector); err != nil {
		return fmt.Errorf("usbi3c: disable feature 0x%02x: %w", selector, err)
	}
	d.setFeatureState(selector, false)
	return nil
}

func (d *Device) validateFeatureChange(selector FeatureSelector) error {
	d.infoMu.RLock()
	defer d.infoMu.RUnlock()
	known := d.info.Capabilities.MajorVersion != 0 || d.info.Capabilities.MinorVersion != 0 ||
		d.info.Capabilities.HandoffControllerRole || d.info.Capabilities.HotJoin || d.info.Capabilities.InBandInterrupt
	if !known {
		return fmt.Errorf("%w: device capabilities not yet known", ErrInvalidArgument)
	}
	switch selector {
	case FeatureControllerRoleHandoff, FeatureControllerRoleRequestWake:
		if !d.info.State.ActiveController {
			return fmt.Errorf("%w: feature 0x%02x requires active controller role", ErrInvalidArgument, selector)
		}
		if !d.info.Capabilities.HandoffControllerRole {
			return fmt.Errorf("%w: controller-role handoff not supported by this device", ErrInvalidArgument)
		}
	case FeatureRegularIBI, FeatureRegularIBIWake:
		if !d.info.Capabilities.InBandInterrupt {
			return fmt.Errorf("%w: in-band interrupt not supported by this device", ErrInvalidArgument)
		}
	case FeatureHotJoin, FeatureHotJoinWake:
		if !d.info.Capabilities.HotJoin {
			return fmt.Errorf("%w: hot-join not supported by this device", ErrInvalidArgument)
		}
	case FeatureHDRModeExitRecovery:
		// No capability flag gates this one in spec.md §4.7.
	default:
		return fmt.Errorf("%w: unknown feature selector 0x%04x", ErrInvalidArgument, selector)
	}
	return nil
}

func (d *Device) featureEnabled(selector FeatureSelector) bool {
	d.infoMu.RLock()
	defer d.infoMu.RUnlock()
	switch selector {
	case FeatureControllerRoleHandoff, FeatureControllerRoleRequestWake:
		return d.info.State.HandoffEnabled
	case FeatureRegularIBI, FeatureRegularIBIWake:
		return d.info.State.InBandInterruptEnabled
	case FeatureHotJoin, FeatureHotJoinWake:
		return d.info.State.HotJoinEnabled
	default:
		return false
	}
}

func (d *Device) setFeatureState(selector FeatureSelector, enabled bool) {
	d.infoMu.Lock()
	defer d.infoMu.Unlock()
	switch selector {
	case FeatureControllerRoleHandoff, FeatureControllerRoleRequestWake:
		d.info.State.HandoffEnabled = enabled
	case FeatureRegularIBI, FeatureRegularIBIWake:
		d.info.State.InBandInterruptEnabled = enabled
	case FeatureHotJoin, FeatureHotJoinWake:
		d.info.State.HotJoinEnabled = enabled
	}
}

// SubmitVendorSpecificRequest arms the single pending vendor-request slot
// and sends a raw vendor-tagged bulk-out transfer. onResponse fires from
// the event-loop goroutine when the matching vendor-specific bulk-in
// payload arrives (spec.md §3/§4.2; SUPPLEMENTED FEATURES:
// usbi3c_submit_vendor_specific_request). The transfer header's tag field
// is set to 2, following the vendor-specific example in the original
// library's submission test.
func (d *Device) SubmitVendorSpecificRequest(ctx context.Context, data []byte, onResponse func(data []byte, userdata any), userdata any) error {
	if err := d.tracker.armVendor(onResponse, userdata); err != nil {
		return err
	}
	const vendorTag = 2
	buf := make([]byte, transferHeaderSize)
	buf[0] = vendorTag
	buf = append(buf, data...)
	if _, err := d.transport.BulkOut(ctx, buf); err != nil {
		d.tracker.takeVendor()
		return fmt.Errorf("usbi3c: submit vendor-specific request: %w", err)
	}
	return nil
}

// TargetReset issues a target-reset-pattern command to address as a single
// synchronous bulk request (spec.md §3 command kinds; SUPPLEMENTED
// FEATURES: usbi3c_target_reset / test_target_reset.c).
func (d *Device) TargetReset(ctx context.Context, address uint8) ([]*Response, error) {
	cmd := &Command{
		Kind:          CommandTargetResetPattern,
		Direction:     DirectionWrite,
		TargetAddress: address,
	}
	if err := d.Enqueue(cmd); err != nil {
		return nil, err
	}
	return d.SendCommands(ctx, false, d.cfg.sendTimeout)
}

// SendRequestToController forwards a bulk request upstream when this
// context itself acts as a target on a bus controlled elsewhere (spec.md
// §1; SUPPLEMENTED FEATURES: usbi3c_device_send_request_to_i3c_controller).
// The wire framing is identical regardless of which side initiated it, so
// this reuses the same encode/submit path as a controller-side send.
func (d *Device) SendRequestToController(ctx context.Context, commands []*Command, dependentOnPrevious bool) ([]*Response, error) {
	for _, c := range commands {
		if err := d.Enqueue(c); err != nil {
			return nil, err
		}
	}
	return d.SendCommands(ctx, dependentOnPrevious, d.cfg.sendTimeout)
}

// OnControllerEvent registers the callback invoked for active-controller
// events (spec.md §4.6).
func (d *Device) OnControllerEvent(cb func(code uint8, userdata any), userdata any) {
	d.callbackMu.Lock()
	defer d.callbackMu.Unlock()
	d.controllerEventCallback = cb
	d.controllerEventUserdata = userdata
}

// OnBusError registers the callback invoked for I3C bus-error notifications
// (spec.md §4.6).
func (d *Device) OnBusError(cb func(code uint8, userdata any), userdata any) {
	d.callbackMu.Lock()
	defer d.callbackMu.Unlock()
	d.busErrorCallback = cb
	d.busErrorUserdata = userdata
}
