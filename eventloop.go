package usbi3c

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// bulkFrame and interruptFrame carry a raw endpoint read into the dispatch
// goroutine. Using channels to fan the two standing reads (spec.md §4.5)
// into one dispatcher follows the teacher's goroutine+channel style in
// async.go, rather than the original C library's single-threaded callback
// loop.
type bulkFrame struct {
	data []byte
	err  error
}

type interruptFrame struct {
	data []byte
	err  error
}

// startEventLoop launches the bulk-in reader, interrupt reader and
// dispatcher goroutines under one errgroup.Group, so a transport error on
// any feeder tears the whole loop down together (spec.md §4.5; SPEC_FULL.md
// DOMAIN STACK: golang.org/x/sync/errgroup).
func (d *Device) startEventLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)
	d.loopCtx = egCtx
	d.cancel = cancel
	d.eg = eg

	bulkCh := make(chan bulkFrame)
	interruptCh := make(chan interruptFrame)

	eg.Go(func() error {
		defer close(bulkCh)
		for {
			data, err := d.transport.ReadBulkIn(egCtx)
			select {
			case bulkCh <- bulkFrame{data: data, err: err}:
			case <-egCtx.Done():
				return nil
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		}
	})

	eg.Go(func() error {
		defer close(interruptCh)
		for {
			data, err := d.transport.ReadInterrupt(egCtx)
			select {
			case interruptCh <- interruptFrame{data: data, err: err}:
			case <-egCtx.Done():
				return nil
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		}
	})

	eg.Go(func() error {
		return d.dispatchLoop(egCtx, bulkCh, interruptCh)
	})
}

// dispatchLoop is the event loop's demultiplexer (spec.md §4.5): it routes
// each bulk-in transfer by header kind and each interrupt transfer to the
// notification dispatcher, then immediately waits for the next one ("Re-arm
// the standing read immediately after dispatching" is implicit here since
// the reader goroutines are already blocked on their next read).
func (d *Device) dispatchLoop(ctx context.Context, bulkCh <-chan bulkFrame, interruptCh <-chan interruptFrame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-bulkCh:
			if !ok {
				bulkCh = nil
				continue
			}
			if frame.err != nil {
				d.cfg.logger.Warn().Err(frame.err).Msg("bulk-in read failed")
				continue
			}
			d.handleBulkIn(ctx, frame.data)
		case frame, ok := <-interruptCh:
			if !ok {
				interruptCh = nil
				continue
			}
			if frame.err != nil {
				d.cfg.logger.Warn().Err(frame.err).Msg("interrupt read failed")
				continue
			}
			d.handleInterrupt(ctx, frame.data)
		}
		if bulkCh == nil && interruptCh == nil {
			return nil
		}
	}
}

// handleBulkIn routes one bulk-in transfer by header kind (spec.md §4.5).
func (d *Device) handleBulkIn(ctx context.Context, data []byte) {
	kind, entries, vendorData, err := DecodeBulkResponse(data)
	if err != nil {
		// Desynchronized bulk-in stream: stop parsing that buffer, don't
		// fabricate responses (spec.md §4.9).
		d.cfg.logger.Warn().Err(err).Msg("dropping desynchronized bulk-in transfer")
		return
	}
	switch kind {
	case BulkResponseRegular:
		for _, e := range entries {
			if !d.tracker.attachResponse(e.RequestID, e.Response) {
				// Unknown or duplicate request ID: stream desync. Stop
				// parsing the rest of this buffer rather than silently
				// skipping the offending entry (spec.md §4.5, §4.9).
				d.cfg.logger.Warn().Uint16("request_id", e.RequestID).Msg("bulk-in stream desync: aborting buffer parse")
				return
			}
			d.dispatchAsyncCallback(e.RequestID, e.Response)
		}
	case BulkResponseVendor:
		cb, userdata, ok := d.tracker.takeVendor()
		if !ok {
			// "The I3C Function's behavior for vendor-specific responses
			// while no vendor request is outstanding" — dropped, per
			// spec.md's open-question resolution recorded in DESIGN.md.
			d.cfg.logger.Debug().Msg("dropping vendor-specific response with no outstanding request")
			return
		}
		if cb != nil {
			cb(vendorData, userdata)
		}
	case BulkResponseInterrupt:
		// No payload contract established; drop gracefully (spec.md §4.5).
	}
}

// dispatchAsyncCallback fires a command's on_response_cb only for records
// submitted on the async path that still have one registered; records from
// the synchronous path are skipped and left for SendCommands to collect
// (spec.md §4.4 "Callback discipline"). It detaches the record with
// takeResponse first and then invokes the callback outside the tracker
// lock, so a callback fires at most once per record.
func (d *Device) dispatchAsyncCallback(requestID uint16, resp *Response) {
	record := d.tracker.lookup(requestID)
	if record == nil || !record.async || record.onResponse == nil {
		return
	}
	onResponse, userdata := record.onResponse, record.userdata
	if _, ok := d.tracker.takeResponse(requestID); ok {
		onResponse(resp, userdata)
	}
}

// handleInterrupt decodes one interrupt-endpoint transfer and dispatches it
// (spec.md §4.5, §4.6).
func (d *Device) handleInterrupt(ctx context.Context, data []byte) {
	typ, code, value, err := DecodeNotification(data)
	if err != nil {
		d.cfg.logger.Warn().Err(err).Msg("dropping malformed notification")
		return
	}
	d.dispatchNotification(ctx, typ, code, value)
}
