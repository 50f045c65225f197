package ethdrv

import (
	"errors"
	"log/slog"
	"time"

	"github.com/soypat/lneto/phy"
)

// PHYConfig holds the configuration parameters for initializing a Clause 22 PHY.
type PHYConfig struct {
	// PHYAddr is the MDIO address of the PHY. Most LAN8720 breakout boards
	// use address 1 by default, but this can vary based on hardware strapping.
	// Valid range is 0-31.
	PHYAddr uint8
	// Advertisement is the autonegotiation mode.
	Advertisement phy.ANAR
	// ExpectID1, if non-zero, must match the PHY Identifier 1 register.
	// Used to reject the wrong chip (or no chip) on the MDIO bus.
	ExpectID1 uint16
	Logger    *slog.Logger
}

// PHY represents a standalone Ethernet PHY transceiver managed over MDIO.
// It wraps the generic PHY device from lneto's phy package.
// Use Configure to initialize the device before use.
type PHY struct {
	phy.Device
	log    logger
	linkUp bool
}

// Configure identifies and resets the PHY on the given MDIO bus, then sets
// the advertisement and enables auto-negotiation.
// This must be called before using any other PHY methods.
func (d *PHY) Configure(mdio phy.MDIOBus, cfg PHYConfig) (err error) {
	if cfg.Advertisement == 0 {
		return errors.New("invalid advertisement")
	} else if cfg.PHYAddr > 31 || mdio == nil {
		return errors.New("invalid PHY address or nil MDIO bus")
	}
	d.log = logger{l: cfg.Logger}
	p := &d.Device
	p.ConfigureAs22(mdio, cfg.PHYAddr)
	id1, id2, err := d.ids()
	if err != nil {
		return err
	}
	if id1 == 0xffff || (id1 == 0 && id2 == 0) || (cfg.ExpectID1 != 0 && id1 != cfg.ExpectID1) {
		d.log.logerr("PHY:identify", slog.Uint64("id1", uint64(id1)), slog.Uint64("id2", uint64(id2)))
		return ErrIdentify
	}
	d.log.info("PHY:identified", slog.String("chip", PHYName(id1, id2)), slog.Uint64("addr", uint64(cfg.PHYAddr)))
	err = p.ResetPHY()
	if err != nil {
		return errors.Join(ErrNoResponse, err)
	}
	err = p.SetAdvertisement(cfg.Advertisement)
	if err != nil {
		return err
	}
	err = p.EnableAutoNegotiation(true)
	if err != nil {
		return err
	}
	d.linkUp = false
	return nil
}

// ID returns the organizationally unique identifier, model number and revision
// number decoded from the PHY Identifier registers.
func (d *PHY) ID() (oui uint32, model, rev uint8, err error) {
	id1, id2, err := d.ids()
	if err != nil {
		return 0, 0, 0, err
	}
	oui, model, rev = decodePHYID(id1, id2)
	return oui, model, rev, nil
}

func (d *PHY) ids() (id1, id2 uint16, err error) {
	id1, err = d.Device.ID1()
	if err != nil {
		return 0, 0, err
	}
	id2, err = d.Device.ID2()
	return id1, id2, err
}

// WaitAutoNegotiation waits for auto-negotiation to complete and link to establish.
// The timeout specifies the maximum duration to wait. On success, returns the
// negotiated link mode. Returns an error if timeout expires or PHY communication fails.
//
// It is suggested the timeout be at least 2 seconds to give the PHY enough time to autonegotiate.
func (d *PHY) WaitAutoNegotiation(timeout time.Duration) (phy.LinkMode, error) {
	deadline := time.Now().Add(timeout)
	linkUp, err := d.Device.WaitForLinkWithDeadline(deadline)
	if err != nil {
		return phy.LinkDown, err
	}
	if !linkUp {
		return phy.LinkDown, errors.New("auto-negotiation timeout")
	}
	d.linkUp = true
	return d.Device.NegotiatedLink()
}

// PollLink reads the link status and posts a NIC event on ev when it changed
// since the last call.
func (d *PHY) PollLink(ev *Events) (up, changed bool, err error) {
	up, err = d.Device.IsLinkUp()
	if err != nil {
		return d.linkUp, false, err
	}
	changed = up != d.linkUp
	d.linkUp = up
	if changed {
		d.log.info("PHY:link", slog.Bool("up", up))
		ev.SignalNIC()
	}
	return up, changed, nil
}

// decodePHYID splits the PHY Identifier registers. ID1 holds OUI bits 3-18,
// ID2 holds OUI bits 19-24, a 6 bit model number and a 4 bit revision.
func decodePHYID(id1, id2 uint16) (oui uint32, model, rev uint8) {
	oui = uint32(id1)<<6 | uint32(id2>>10)
	model = uint8(id2>>4) & 0x3f
	rev = uint8(id2) & 0xf
	return oui, model, rev
}

var knownPHYs = []struct {
	id1   uint16
	model uint8
	name  string
}{
	{id1: 0x0007, model: 0x0f, name: "LAN8720"},
	{id1: 0x0007, model: 0x13, name: "LAN8742A"},
	{id1: 0x2000, model: 0x09, name: "DP83848"},
	{id1: 0x0022, model: 0x16, name: "KSZ8081"},
}

// PHYName returns the part name of a known PHY given its identifier registers
// or "unknown".
func PHYName(id1, id2 uint16) string {
	_, model, _ := decodePHYID(id1, id2)
	for _, p := range knownPHYs {
		if p.id1 == id1 && p.model == model {
			return p.name
		}
	}
	return "unknown"
}
