package rendezvous

import "sync"

// DeferredHandler forwards callbacks to a handler installed after the
// federate joins. Joining needs a handler, but the handler usually needs
// the joined Service to be built; DeferredHandler breaks the cycle.
// Callbacks arriving before Set are dropped.
type DeferredHandler struct {
	mu sync.Mutex
	h  CallbackHandler
}

var _ CallbackHandler = (*DeferredHandler)(nil)

// Set installs the real handler.
func (d *DeferredHandler) Set(h CallbackHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.h = h
}

func (d *DeferredHandler) get() CallbackHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.h
}

// SyncPointRegistrationSucceeded implements CallbackHandler.
func (d *DeferredHandler) SyncPointRegistrationSucceeded(label string) {
	if h := d.get(); h != nil {
		h.SyncPointRegistrationSucceeded(label)
	}
}

// SyncPointRegistrationFailed implements CallbackHandler.
func (d *DeferredHandler) SyncPointRegistrationFailed(label string, reason FailureReason) {
	if h := d.get(); h != nil {
		h.SyncPointRegistrationFailed(label, reason)
	}
}

// SyncPointAnnounced implements CallbackHandler.
func (d *DeferredHandler) SyncPointAnnounced(label string, tag []byte) {
	if h := d.get(); h != nil {
		h.SyncPointAnnounced(label, tag)
	}
}

// SyncPointFederationSynchronized implements CallbackHandler.
func (d *DeferredHandler) SyncPointFederationSynchronized(label string) {
	if h := d.get(); h != nil {
		h.SyncPointFederationSynchronized(label)
	}
}
