package usbi3c

import (
	"fmt"
	"sync"
)

// regularRequest is one entry in the request tracker (spec.md §3
// "Request record", §4.2).
type regularRequest struct {
	requestID           uint16
	totalCommands       int
	dependentOnPrevious bool
	reattemptCount      int
	async               bool

	hasResponse bool
	response    *Response

	onResponse func(resp *Response, userdata any)
	userdata   any
}

// vendorSlot is the single outstanding vendor-specific request (spec.md
// §4.2 "The vendor-specific slot is separate").
type vendorSlot struct {
	armed      bool
	onResponse func(data []byte, userdata any)
	userdata   any
}

// requestTracker is the lock-protected ordered sequence of outstanding
// regular requests plus the single vendor slot (spec.md §4.2). The lock is
// recursive-safe in spirit: callers that must hold it across a callback
// invocation take the lock once for the whole composite operation, matching
// spec.md §7's recursive-locking note; Go's sync.Mutex is not re-entrant, so
// every method here does its own locking and none call each other while
// holding the lock.
type requestTracker struct {
	mu              sync.Mutex
	records         []*regularRequest
	vendor          vendorSlot
	signal          chan struct{}
	reattemptMaxVal int
}

// getReattemptMax reads the stall-on-nack reattempt budget atomically under
// the tracker lock (spec.md §5 "usbi3c_get_request_reattempt_max").
func (t *requestTracker) getReattemptMax() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reattemptMaxVal
}

// setReattemptMax adjusts the stall-on-nack reattempt budget atomically
// under the tracker lock (spec.md §5 "usbi3c_set_request_reattempt_max").
func (t *requestTracker) setReattemptMax(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reattemptMaxVal = n
}

// wait returns a channel that closes the next time attachResponse runs.
// SendCommands does not call it; it subscribes through collectReady, which
// checks for responses and subscribes in one locked call.
func (t *requestTracker) wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.signal == nil {
		t.signal = make(chan struct{})
	}
	return t.signal
}

// broadcast wakes every waiter registered via wait. Must be called with t.mu
// held.
func (t *requestTracker) broadcast() {
	if t.signal != nil {
		close(t.signal)
		t.signal = nil
	}
}

// append adds a new record under lock (spec.md §4.2).
func (t *requestTracker) append(r *regularRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, r)
}

// appendAll adds a run of records as a single critical section, used by the
// pipeline so a partial failure can be rolled back without another goroutine
// observing a half-inserted bulk request in between (spec.md §4.4 step 2).
func (t *requestTracker) appendAll(rs []*regularRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, rs...)
}

// removeIDs deletes the records for the given IDs, used to roll back a
// failed submission (spec.md §4.4 step 2: "the pre-existing tracker contents
// must remain untouched").
func (t *requestTracker) removeIDs(ids []uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = filterOutIDs(t.records, ids)
}

func filterOutIDs(records []*regularRequest, ids []uint16) []*regularRequest {
	drop := make(map[uint16]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	out := records[:0:0]
	for _, r := range records {
		if !drop[r.requestID] {
			out = append(out, r)
		}
	}
	return out
}

// lookup returns the record for requestID, or nil if none (spec.md §4.2
// "returns a borrowed handle").
func (t *requestTracker) lookup(requestID uint16) *regularRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.find(requestID)
}

func (t *requestTracker) find(requestID uint16) *regularRequest {
	for _, r := range t.records {
		if r.requestID == requestID {
			return r
		}
	}
	return nil
}

// attachResponse records a decoded response against its request ID. It is
// how the event loop hands a bulk-in regular-response entry to whoever is
// waiting on it, whether that is a blocked send_commands call or the
// eventual take_response by the async callback dispatcher. It reports false
// if the ID is unknown or the record already has a response attached, the
// two stream-desync conditions spec.md §4.5 requires the caller to treat as
// "abort parsing the rest of this buffer" (see eventloop.go's handleBulkIn).
func (t *requestTracker) attachResponse(requestID uint16, resp *Response) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.find(requestID)
	if r == nil || r.hasResponse {
		return false
	}
	r.hasResponse = true
	r.response = resp
	t.broadcast()
	return true
}

// observeStall increments the request record's reattempt counter and
// decides whether the budget is exhausted (spec.md §3 places the counter on
// the request record itself: "if counter < max, enter stalled(n+1) and issue
// resume; if counter = max, enter cancelled"). The comparison happens before
// incrementing, so the counter reaches max on the last resume and the next
// notification finds it at max and cancels without incrementing. ok is false if requestID is unknown, in which case cancel
// is meaningless and the caller should drop the notification.
func (t *requestTracker) observeStall(requestID uint16, max int) (cancel bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.find(requestID)
	if r == nil {
		return false, false
	}
	if r.reattemptCount < max {
		r.reattemptCount++
		return false, true
	}
	return true, true
}

// collectReady checks every id in ids against the tracker under a single
// critical section, filling in any response already attached and removing
// its record, and atomically subscribes to the next broadcast if some ids
// are still outstanding. Checking and subscribing in one lock acquisition
// closes the lost-wakeup window where attachResponse could run, and close
// its signal, between a caller's last check and its call to wait (spec.md
// §4.4 "Block up to timeout waiting for the event loop to populate
// responses").
func (t *requestTracker) collectReady(ids []uint16, responses []*Response) (pending int, waitCh <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, id := range ids {
		if responses[i] != nil {
			continue
		}
		for j, r := range t.records {
			if r.requestID != id {
				continue
			}
			if r.hasResponse {
				responses[i] = r.response
				t.records = append(t.records[:j], t.records[j+1:]...)
			}
			break
		}
	}
	for i := range ids {
		if responses[i] == nil {
			pending++
		}
	}
	if pending == 0 {
		return 0, nil
	}
	if t.signal == nil {
		t.signal = make(chan struct{})
	}
	return pending, t.signal
}

// takeResponse locates the record, extracts its response if present, and
// removes the record regardless (spec.md §4.2). ok is false if no record
// existed at all.
func (t *requestTracker) takeResponse(requestID uint16) (resp *Response, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, r := range t.records {
		if r.requestID != requestID {
			continue
		}
		t.records = append(t.records[:i], t.records[i+1:]...)
		if r.hasResponse {
			return r.response, true
		}
		return nil, true
	}
	return nil, false
}

// cancelStalled implements spec.md §4.2's cancel_stalled and §8 invariant 3 /
// scenarios S3-S4: remove the stalled record, then walk forward removing
// every contiguous dependent_on_previous record, stopping at the first
// independent one. It returns the IDs removed; handleStallOnNack uses them
// to drop their stalled-request FSMs. No response callback fires for a
// cancelled record.
func (t *requestTracker) cancelStalled(stalledID uint16) []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := -1
	for i, r := range t.records {
		if r.requestID == stalledID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil
	}

	end := idx + 1
	for end < len(t.records) && t.records[end].dependentOnPrevious {
		end++
	}

	removed := make([]uint16, 0, end-idx)
	for _, r := range t.records[idx:end] {
		removed = append(removed, r.requestID)
	}
	t.records = append(t.records[:idx:idx], t.records[end:]...)
	return removed
}

// resetPendingResponses clears every record's response slot without
// removing the records, used during teardown so a Close does not leave
// stale response data visible to a racing reader (spec.md §4.2).
func (t *requestTracker) resetPendingResponses() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.records {
		r.hasResponse = false
		r.response = nil
	}
}

// armVendor installs the single pending vendor-specific request (spec.md
// §4.2, SUPPLEMENTED FEATURES: Device.SubmitVendorSpecificRequest). It
// fails if a vendor request is already outstanding.
func (t *requestTracker) armVendor(onResponse func(data []byte, userdata any), userdata any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.vendor.armed {
		return fmt.Errorf("%w: a vendor-specific request is already outstanding", ErrInvalidArgument)
	}
	t.vendor = vendorSlot{armed: true, onResponse: onResponse, userdata: userdata}
	return nil
}

// takeVendor disarms and returns the vendor slot's callback, if any was
// armed, so the event loop can hand a vendor-specific bulk-in payload to it.
func (t *requestTracker) takeVendor() (onResponse func(data []byte, userdata any), userdata any, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.vendor.armed {
		return nil, nil, false
	}
	cb, ud := t.vendor.onResponse, t.vendor.userdata
	t.vendor = vendorSlot{}
	return cb, ud, true
}
