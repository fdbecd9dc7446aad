package usbi3c

import (
	"context"
	"fmt"
	"time"
)

// Enqueue appends a command to the per-device command queue after
// validating it against spec.md §3's invariants (spec.md §4.4 step 1).
func (d *Device) Enqueue(c *Command) error {
	if err := c.validate(); err != nil {
		return err
	}
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	d.queue = append(d.queue, c)
	return nil
}

// takeQueue drains and returns the current queue, leaving it empty.
func (d *Device) takeQueue() []*Command {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	queue := d.queue
	d.queue = nil
	return queue
}

// assignRequestIDs hands out a fresh contiguous run of 16-bit request IDs,
// wrapping allowed but not expected in normal operation (spec.md §3
// "Request record").
func (d *Device) assignRequestIDs(n int) []uint16 {
	d.idMu.Lock()
	defer d.idMu.Unlock()
	ids := make([]uint16, n)
	for i := range ids {
		ids[i] = d.nextRequestID
		d.nextRequestID++
	}
	return ids
}

// prepareBulkRequest implements the shared pre-work of send_commands and
// submit_commands (spec.md §4.4 step 2's first half): validate the
// dependency flag, pull the queue, assign request IDs, encode, and check
// flow control. It does not touch the tracker; callers insert records and
// submit separately so the synchronous and asynchronous paths can differ in
// how they wait for completion.
func (d *Device) prepareBulkRequest(ctx context.Context, dependentOnPrevious bool) (buf []byte, commands []*Command, ids []uint16, err error) {
	// spec.md §4.4 requires the dependency flag to be 0 or 1; a Go bool
	// already rules out any other value.
	commands = d.takeQueue()
	if len(commands) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: command queue is empty", ErrInvalidArgument)
	}

	ids = d.assignRequestIDs(len(commands))
	buf, err = EncodeBulkRequest(commands, ids, dependentOnPrevious)
	if err != nil {
		return nil, nil, nil, err
	}

	available, err := getBufferAvailable(ctx, d.transport)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("usbi3c: get buffer available: %w", err)
	}
	if uint32(len(buf)) > available {
		return nil, nil, nil, fmt.Errorf("%w: need %d bytes, device has %d", ErrFlowControl, len(buf), available)
	}

	return buf, commands, ids, nil
}

// insertRecords builds and inserts one tracker record per command, honoring
// spec.md §4.4's dependency semantics: the first command carries the
// caller-supplied flag, commands 2..N are always dependent on their
// predecessor.
func (d *Device) insertRecords(commands []*Command, ids []uint16, dependentOnPrevious, async bool) []*regularRequest {
	records := make([]*regularRequest, len(commands))
	for i, c := range commands {
		dep := dependentOnPrevious
		if i > 0 {
			dep = true
		}
		records[i] = &regularRequest{
			requestID:           ids[i],
			totalCommands:       len(commands),
			dependentOnPrevious: dep,
			async:               async,
			onResponse:          c.OnResponse,
			userdata:            c.UserData,
		}
	}
	d.tracker.appendAll(records)
	return records
}

// SendCommands is the synchronous send path (spec.md §4.4 "Synchronous
// send"): it blocks up to timeout for the event loop to populate responses
// for every assigned ID, then detaches and returns them in request order.
// Per-command callbacks never fire on this path (spec.md §4.4 "Callback
// discipline").
func (d *Device) SendCommands(ctx context.Context, dependentOnPrevious bool, timeout time.Duration) ([]*Response, error) {
	buf, commands, ids, err := d.prepareBulkRequest(ctx, dependentOnPrevious)
	if err != nil {
		return nil, err
	}

	d.insertRecords(commands, ids, dependentOnPrevious, false)

	if _, err := d.transport.BulkOut(ctx, buf); err != nil {
		d.tracker.removeIDs(ids)
		return nil, fmt.Errorf("usbi3c: submit bulk request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	responses := make([]*Response, len(ids))
	for {
		pending, waitCh := d.tracker.collectReady(ids, responses)
		if pending == 0 {
			return responses, nil
		}
		select {
		case <-waitCh:
		case <-ctx.Done():
			return responses, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		case <-timer.C:
			return responses, fmt.Errorf("%w: %d of %d responses outstanding", ErrTimeout, pending, len(ids))
		}
	}
}

// SubmitCommands is the asynchronous submit path (spec.md §4.4
// "Asynchronous submit"): identical pre-work, but it returns immediately
// and lets the event loop invoke each command's on_response_cb as
// responses arrive.
func (d *Device) SubmitCommands(ctx context.Context, dependentOnPrevious bool) error {
	buf, commands, ids, err := d.prepareBulkRequest(ctx, dependentOnPrevious)
	if err != nil {
		return err
	}

	d.insertRecords(commands, ids, dependentOnPrevious, true)

	if _, err := d.transport.BulkOut(ctx, buf); err != nil {
		d.tracker.removeIDs(ids)
		return fmt.Errorf("usbi3c: submit bulk request: %w", err)
	}
	return nil
}
