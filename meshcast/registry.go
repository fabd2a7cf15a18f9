package meshcast

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/rs/zerolog/log"
)

// osInterface is what the platform knows about a local network interface.
type osInterface struct {
	Name         string
	Index        int
	HardwareAddr net.HardwareAddr
	// Address is the first ipv4 address of the interface, if any.
	Address   netip.Prefix
	Broadcast netip.Addr
}

// platform holds every os specific operation the registry needs.
type platform interface {
	// Lookup finds an interface by name, or failing that by alias/altname.
	Lookup(nameOrAlias string) (osInterface, error)
	OpenCapture(ifc osInterface) (captureEndpoint, error)
	OpenTunnel(ifc osInterface, port uint16) (tunnelEndpoint, error)
	OpenTunTap(cfg TunTap) (tunTapEndpoint, error)
}

type candidate struct {
	name string
	mesh bool
}

// Enumerate opens a relay interface for every interface in config, plus the tun/tap device.
// Interfaces that cannot be opened are logged and left out; the interface named skip never
// relays. It fails if no interface at all could be opened or if the tun/tap device could not
// be created, releasing anything opened so far.
func Enumerate(p platform, cfg *Config, skip string) (*RelayInterfaceSet, error) {
	set := &RelayInterfaceSet{}

	tunTapName := cfg.TunTap.Name
	if tunTapName == "" {
		tunTapName = TunTapName
	}

	seen := make(map[int]string)

	for _, c := range candidates(cfg) {
		ri := openRelayInterface(p, c, cfg.MeshPort, skip, tunTapName, seen)
		if ri == nil {
			continue
		}

		seen[ri.Index] = ri.Name
		set.interfaces = append(set.interfaces, ri)
	}

	if len(set.interfaces) == 0 {
		set.Teardown()

		return nil, fmt.Errorf(
			"%w: none of the %d configured interfaces could be opened",
			ErrNoInterfaces, len(cfg.Interfaces.Mesh)+len(cfg.Interfaces.Extra),
		)
	}

	tunTap, err := p.OpenTunTap(cfg.TunTap)
	if err != nil {
		log.Error().Err(err).Str("device", tunTapName).Msg("failed creating tun/tap device")

		set.Teardown()

		if errors.Is(err, ErrTunTap) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %s", ErrTunTap, err)
	}

	set.tunTap = tunTap

	log.Info().
		Int("interfaces", len(set.interfaces)).
		Str("device", tunTap.Name()).
		Msg("relay interfaces enumerated")

	return set, nil
}

// candidates lists configured interfaces, mesh interfaces first so an interface configured as
// both ends up mesh managed.
func candidates(cfg *Config) []candidate {
	out := make([]candidate, 0, len(cfg.Interfaces.Mesh)+len(cfg.Interfaces.Extra))

	for _, name := range cfg.Interfaces.Mesh {
		out = append(out, candidate{name: name, mesh: true})
	}

	for _, name := range cfg.Interfaces.Extra {
		out = append(out, candidate{name: name})
	}

	return out
}

func openRelayInterface(
	p platform,
	c candidate,
	port uint16,
	skip, tunTapName string,
	seen map[int]string,
) *RelayInterface {
	ifc, err := p.Lookup(c.name)
	if err != nil {
		log.Warn().Err(err).Str("interface", c.name).Msg("failed looking up interface, skipping")

		return nil
	}

	logger := log.With().Str("interface", ifc.Name).Logger()

	switch {
	case skip != "" && (ifc.Name == skip || c.name == skip):
		logger.Info().Msg("interface is excluded from relaying, skipping")

		return nil
	case ifc.Name == tunTapName:
		logger.Info().Msg("interface is the tun/tap device, skipping")

		return nil
	case isZeroHardwareAddr(ifc.HardwareAddr):
		logger.Info().Msg("interface has no hardware address, skipping")

		return nil
	}

	if prev, ok := seen[ifc.Index]; ok {
		logger.Info().
			Str("configuredAs", prev).
			Msg("interface already enumerated, skipping duplicate")

		return nil
	}

	if c.mesh && !ifc.Broadcast.IsValid() {
		logger.Warn().Msg("mesh interface has no ipv4 broadcast address, skipping")

		return nil
	}

	capture, err := p.OpenCapture(ifc)
	if err != nil {
		logger.Warn().Err(err).Msg("failed opening capture endpoint, skipping")

		return nil
	}

	ri := &RelayInterface{
		Name:         ifc.Name,
		Index:        ifc.Index,
		HardwareAddr: ifc.HardwareAddr,
		Address:      ifc.Address,
		Broadcast:    ifc.Broadcast,
		Mesh:         c.mesh,
		capture:      capture,
	}

	if c.mesh {
		ri.tunnel, err = p.OpenTunnel(ifc, port)
		if err != nil {
			logger.Warn().Err(err).Msg("failed opening tunnel endpoint, skipping")

			ri.close()

			return nil
		}
	}

	logger.Debug().
		Bool("mesh", c.mesh).
		Str("address", ifc.Address.String()).
		Msg("relay interface opened")

	return ri
}

func isZeroHardwareAddr(addr net.HardwareAddr) bool {
	for _, b := range addr {
		if b != 0 {
			return false
		}
	}

	return true
}
