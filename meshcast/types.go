package meshcast

import "time"

// Config holds the yaml configuration used for meshcast.
type Config struct {
	// MeshPort is the udp port encapsulated frames are exchanged on between mesh nodes.
	MeshPort uint16 `yaml:"meshPort"`
	// Encapsulate prefixes every frame sent over the mesh transport with an Envelope. All nodes
	// of a mesh must agree on this.
	Encapsulate *bool `yaml:"encapsulate"`
	// TTLPolicy is either "decrement" (default) or "preserve" and controls whether frames leaving
	// this node have their TTL decremented.
	TTLPolicy string `yaml:"ttlPolicy"`
	// RefloodOnArrivalInterface re-relays frames received over the mesh transport on the very
	// interface they arrived on as well -- useful on a single radio where not every neighbor
	// hears every other neighbor.
	RefloodOnArrivalInterface bool `yaml:"refloodOnArrivalInterface"`
	// ControlPorts are udp ports whose traffic is never relayed, in addition to MeshPort. If
	// unset the routing daemon's well known port is used.
	ControlPorts []uint16 `yaml:"controlPorts"`
	// Interfaces lists the local interfaces to relay on.
	Interfaces Interfaces `yaml:"interfaces"`
	// TunTap configures the pseudo-device relayed traffic is injected into the local ip stack
	// through.
	TunTap TunTap `yaml:"tunTap"`
	// History tunes the duplicate history.
	History HistoryConfig `yaml:"history"`
	// Filters are destination/port rules applied to every frame before duplicate detection.
	Filters []Filter `yaml:"filters"`
	// Policy is the static mesh flooding policy -- what the routing daemon would otherwise tell
	// us about mpr selection and interface aliases.
	Policy Policy `yaml:"policy"`
	// Metrics configures the prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
	// Logging configures the logger.
	Logging Logging `yaml:"logging"`
}

// Interfaces holds the names (or aliases/altnames) of the interfaces to relay on.
type Interfaces struct {
	// Mesh interfaces are managed by the routing daemon; frames are captured on them and
	// encapsulated frames are exchanged with neighbors over them.
	Mesh []string `yaml:"mesh"`
	// Extra interfaces are not part of the mesh; frames are captured on them and relayed
	// frames are re-injected on them.
	Extra []string `yaml:"extra"`
	// Skip names an interface that is never relayed on, even if it is listed above.
	Skip string `yaml:"skip"`
}

// TunTap configures the tun/tap pseudo-device.
type TunTap struct {
	// Name of the device, defaults to TunTapName.
	Name string `yaml:"name"`
	// Type is either "tun" (default) or "tap".
	Type string `yaml:"type"`
	// Address is assigned to the device if it comes up without an ipv4 address.
	Address string `yaml:"address"`
	// RouteMulticast routes 224.0.0.0/4 through the device so local applications' multicast
	// traffic is relayed too.
	RouteMulticast bool `yaml:"routeMulticast"`
}

// HistoryConfig tunes the duplicate history.
type HistoryConfig struct {
	// Slots is the number of two bit history slots.
	Slots int `yaml:"slots"`
	// SweepInterval is the aging sweep period; a packet is remembered for at most two periods
	// after it was last seen.
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// Filter is a single destination/port rule.
type Filter struct {
	// Destination is a cidr (or bare address) the rule applies to.
	Destination string `yaml:"destination"`
	// Ports the rule applies to; empty means every port.
	Ports []uint16 `yaml:"ports"`
	// Action is "drop" or "relay".
	Action string `yaml:"action"`
}

// Policy is the static flooding policy.
type Policy struct {
	// AcceptAll makes this node an accepted relay for every originator.
	AcceptAll bool `yaml:"acceptAll"`
	// MPRSelectors are the originators (cidrs or bare addresses) that selected this node as
	// their multipoint relay.
	MPRSelectors []string `yaml:"mprSelectors"`
	// Aliases maps interface addresses of mesh nodes to their main address.
	Aliases map[string]string `yaml:"aliases"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	// Address to serve /metrics and /health on; empty disables the endpoint.
	Address string `yaml:"address"`
}

// Logging configures the logger.
type Logging struct {
	// Level is a zerolog level name.
	Level string `yaml:"level"`
	// Pretty writes human friendly console output instead of json.
	Pretty bool `yaml:"pretty"`
}
