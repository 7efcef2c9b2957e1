package device

// Acceptor is anything the router can dispatch an inbound frame to.
type Acceptor interface {
	Accepts(canID uint32, extended, rtr bool) bool
	OnFrame(canID uint32, nowMs int64, payload []byte)
}

// Router holds an ordered list of device handles and dispatches each
// inbound frame to every device that accepts it. A well-formed frame
// normally matches exactly one device; the router does not enforce
// uniqueness. O(N) per frame is acceptable since N (device count) is small
// (at most 255 nodes). Callers must serialize Add/Remove/Dispatch on one
// goroutine — no locking is done here.
type Router struct {
	devices []Acceptor
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Add registers a device handle.
func (r *Router) Add(d Acceptor) {
	r.devices = append(r.devices, d)
}

// Remove unregisters a device handle by identity.
func (r *Router) Remove(d Acceptor) {
	for i, existing := range r.devices {
		if existing == d {
			r.devices = append(r.devices[:i], r.devices[i+1:]...)
			return
		}
	}
}

// Dispatch delivers an inbound frame to every accepting device.
func (r *Router) Dispatch(canID uint32, extended, rtr bool, nowMs int64, payload []byte) {
	for _, d := range r.devices {
		if d.Accepts(canID, extended, rtr) {
			d.OnFrame(canID, nowMs, payload)
		}
	}
}
