package usbi3c

import "context"

// dispatchNotification routes one decoded interrupt-endpoint notification
// to its handler (spec.md §4.6). Handlers that touch the target table,
// request tracker, or address-change tracker acquire the corresponding
// lock for their whole composite operation internally.
func (d *Device) dispatchNotification(ctx context.Context, typ NotificationType, code uint8, value uint16) {
	switch typ {
	case NotificationBusInitialized:
		d.handleBusInitialized(ctx)
	case NotificationStallOnNack:
		d.handleStallOnNack(ctx, value)
	case NotificationAddressChange:
		d.handleAddressChange(ctx, AddressChangeCode(code))
	case NotificationControllerEvent:
		d.handleControllerEvent(code)
	case NotificationBusError:
		d.handleBusError(code)
	default:
		// Unknown notification types are logged, not propagated (spec.md
		// §4.9).
		d.cfg.logger.Debug().Uint8("type", uint8(typ)).Uint8("code", code).Msg("dropping unknown notification type")
	}
}

// handleBusInitialized unblocks Open's wait for bus-initialization (spec.md
// §4.8 "INITIALIZE_I3C_BUS + matching notification → bus_initialized").
func (d *Device) handleBusInitialized(ctx context.Context) {
	select {
	case <-d.busInitialized:
		// Already signalled; a second bus-initialized notification is
		// logged and dropped.
		d.cfg.logger.Debug().Msg("dropping duplicate bus-initialized notification")
	default:
		close(d.busInitialized)
	}
}

// handleStallOnNack implements spec.md §4.6's "Stall-on-nack(request_id)":
// look up the record; if the reattempt counter is under the budget, issue
// a synchronous resume control transfer and leave it tracked; otherwise cancel it and its
// contiguous dependents. If request_id is unknown, drop the notification.
func (d *Device) handleStallOnNack(ctx context.Context, requestID uint16) {
	cancel, ok := d.tracker.observeStall(requestID, d.RequestReattemptMax())
	if !ok {
		d.cfg.logger.Debug().Uint16("request_id", requestID).Msg("dropping stall-on-nack for unknown request")
		return
	}

	d.stalledMu.Lock()
	fsm, exists := d.stalledFSMs[requestID]
	if !exists {
		fsm = newStalledRequestFSM()
		d.stalledFSMs[requestID] = fsm
	}
	fsm.observeStall(ctx, cancel)
	if cancel {
		delete(d.stalledFSMs, requestID)
	}
	d.stalledMu.Unlock()

	selector := selectorResume
	if cancel {
		selector = selectorCancel
	}
	if err := cancelOrResumeBulkRequest(ctx, d.transport, requestID, selector); err != nil {
		// Transport errors on async control transfers issued by
		// notification handlers are reported through the diagnostic path;
		// no user callback fires for this notification pass (spec.md
		// §4.9).
		d.cfg.logger.Warn().Err(err).Uint16("request_id", requestID).Msg("cancel/resume bulk request failed")
		return
	}

	if cancel {
		removed := d.tracker.cancelStalled(requestID)
		for _, id := range removed {
			d.stalledMu.Lock()
			delete(d.stalledFSMs, id)
			d.stalledMu.Unlock()
		}
	}
}

// handleAddressChange implements spec.md §4.6's "Address change
// status(code)": issue GET_ADDRESS_CHANGE_RESULT and resolve each entry
// against the target table and the address-change tracker.
func (d *Device) handleAddressChange(ctx context.Context, code AddressChangeCode) {
	results, err := getAddressChangeResult(ctx, d.transport, maxAddressChangeResultLength)
	if err != nil {
		d.cfg.logger.Warn().Err(err).Msg("get address change result failed")
		return
	}
	d.table.resolveAddressChange(results)

	for _, res := range results {
		key := addressChangeKey(res.OldAddress, res.NewAddress)
		d.addressChangeMu.Lock()
		fsm, ok := d.addressChangeFSMs[key]
		if ok {
			delete(d.addressChangeFSMs, key)
		}
		d.addressChangeMu.Unlock()
		if ok {
			_ = fsm.notify(ctx)
			_ = fsm.resolve(ctx)
		}
	}
	_ = code
}

// handleControllerEvent dispatches to the user-registered callback, if any
// (spec.md §4.6).
func (d *Device) handleControllerEvent(code uint8) {
	d.callbackMu.Lock()
	cb, userdata := d.controllerEventCallback, d.controllerEventUserdata
	d.callbackMu.Unlock()
	if cb != nil {
		cb(code, userdata)
	}
}

// handleBusError dispatches to the user-registered callback, if any
// (spec.md §4.6).
func (d *Device) handleBusError(code uint8) {
	d.callbackMu.Lock()
	cb, userdata := d.busErrorCallback, d.busErrorUserdata
	d.callbackMu.Unlock()
	if cb != nil {
		cb(code, userdata)
	}
}

// RequestAddressChange issues CHANGE_DYNAMIC_ADDRESS for one device and
// arms the address-change tracker entry that handleAddressChange resolves
// against (spec.md §3 "Address-change request", §4.3, §4.6).
func (d *Device) RequestAddressChange(ctx context.Context, old, new uint8, pidHi, pidLo uint32, onResult func(AddressChangeResult, any), userdata any) error {
	req := addressChangeRequest{OldAddress: old, NewAddress: new, PIDHi: pidHi, PIDLo: pidLo}
	if err := changeDynamicAddress(ctx, d.transport, []addressChangeRequest{req}); err != nil {
		return err
	}
	d.table.armAddressChange(old, new, onResult, userdata)

	d.addressChangeMu.Lock()
	d.addressChangeFSMs[addressChangeKey(old, new)] = newAddressChangeFSM()
	d.addressChangeMu.Unlock()
	return nil
}
