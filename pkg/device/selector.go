package device

// ChannelKey uniquely identifies one channel of one node, matching the
// data model's `channel_key = node_id * 256 + channel` convention.
type ChannelKey int

// NewChannelKey packs a (node, channel) pair into its key.
func NewChannelKey(node int, channel uint8) ChannelKey {
	return ChannelKey(node*256 + int(channel))
}

// Split unpacks a ChannelKey back into its (node, channel) pair.
func (k ChannelKey) Split() (node int, channel uint8) {
	return int(k) / 256, uint8(int(k) % 256)
}

// Group is a named set of nodes plus an optional bound channel set. An
// empty Channels set means "all four channels of every member node" — the
// group's fan-out fallback.
type Group struct {
	ID       int
	Name     string
	Nodes    map[int]bool
	Channels map[ChannelKey]bool
}

// NewGroup creates an empty group.
func NewGroup(id int, name string) *Group {
	return &Group{ID: id, Name: name, Nodes: make(map[int]bool), Channels: make(map[ChannelKey]bool)}
}

// GroupSelector expands a device group into the concrete set of channel
// keys a group-wide operation should target.
type GroupSelector struct {
	// MaxNodes caps the number of distinct nodes targeted; 0 means
	// unlimited.
	MaxNodes int
}

// Resolve expands g into its target channel keys, filtering out nodes the
// caller's isOnline predicate rejects (pass nil to skip the filter — e.g.
// for operations, like emergency stop, that must reach every member
// regardless of last-seen staleness).
func (s GroupSelector) Resolve(g *Group, isOnline func(node int) bool) []ChannelKey {
	if g == nil {
		return nil
	}

	nodes := make([]int, 0, len(g.Nodes))
	for n := range g.Nodes {
		if isOnline != nil && !isOnline(n) {
			continue
		}
		nodes = append(nodes, n)
	}
	if s.MaxNodes > 0 && len(nodes) > s.MaxNodes {
		nodes = nodes[:s.MaxNodes]
	}
	nodeSet := make(map[int]bool, len(nodes))
	for _, n := range nodes {
		nodeSet[n] = true
	}

	if len(g.Channels) == 0 {
		var out []ChannelKey
		for _, n := range nodes {
			for ch := uint8(0); ch <= MaxChannel; ch++ {
				out = append(out, NewChannelKey(n, ch))
			}
		}
		return out
	}

	var out []ChannelKey
	seen := make(map[ChannelKey]bool, len(g.Channels))
	for key := range g.Channels {
		node, _ := key.Split()
		if !nodeSet[node] {
			continue
		}
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	return out
}
