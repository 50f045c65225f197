//go:build rp2040 || rp2350

package ethdrv

import (
	"errors"
	"machine"
	"time"

	"github.com/soypat/lneto/phy"
	pio "github.com/tinygo-org/pio/rp2-pio"
	"github.com/tinygo-org/pio/rp2-pio/piolib"
)

// PicoConfig wires an RMII PHY to an RP2040/RP2350: PIO state machines move
// frames and two GPIOs bit-bang the management bus.
type PicoConfig struct {
	// PIO runs both RMII state machines, pio.PIO0 or pio.PIO1.
	PIO       *pio.PIO
	PHYConfig PHYConfig
	MACConfig MACConfig
	// Management bus clock and data pins.
	MDC, MDIO machine.Pin
	// TxConfig and RxConfig set the RMII data pin bases and clocking.
	TxConfig piolib.RMIITxConfig
	RxConfig piolib.RMIIRxConfig
}

// pins returns the GPIO masks of the management bus and the RMII paths.
func (cfg *PicoConfig) pins() (mdio, tx, rx uint64) {
	mdio = 1<<cfg.MDC | 1<<cfg.MDIO
	tx = 0b111 << cfg.TxConfig.TxBase
	rx = 0b111 << cfg.RxConfig.RxBase
	return mdio, tx, rx
}

var errPinAlias = errors.New("ethdrv: RMII and MDIO pins overlap")

// pioRMII drives an RMII PHY through piolib, one frame at a time.
type pioRMII struct {
	tx piolib.RMIITx
	rx piolib.RMIIRx
}

var _ RMIISingle = (*pioRMII)(nil)

func (p *pioRMII) SendFrame(frame []byte) error { return p.tx.SendFrame(frame) }
func (p *pioRMII) IsSending() bool { return p.tx.IsSending() }
func (p *pioRMII) StartRxSingle() error { return p.rx.StartRx() }
func (p *pioRMII) StopRx() error { return p.rx.StopRx() }
func (p *pioRMII) InRx() bool { return p.rx.InRx() }

func (p *pioRMII) SetRxHandler(rxbuf []byte, callback func(buf []byte)) error {
	return p.rx.SetRxIRQHandler(rxbuf, callback)
}

// NewPicoRMIISingle returns a [DeviceSingle] for a Clause 22 RMII PHY
// attached to an RP2040/RP2350. The PHY is configured before returning.
func NewPicoRMIISingle(cfg PicoConfig) (*DeviceSingle, error) {
	mdiomsk, txmsk, rxmsk := cfg.pins()
	if rxmsk&txmsk != 0 || (rxmsk|txmsk)&mdiomsk != 0 {
		return nil, errPinAlias
	}
	rmii := new(pioRMII)
	if err := rmii.rx.Configure(cfg.PIO, cfg.RxConfig); err != nil {
		return nil, err
	}
	if err := rmii.tx.Configure(cfg.PIO, cfg.TxConfig); err != nil {
		return nil, err
	}
	dev := new(DeviceSingle)
	err := dev.Configure(NewPicoMDIO(cfg.MDC, cfg.MDIO), rmii, cfg.PHYConfig, cfg.MACConfig)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// picoMDIO bit-bangs the management bus. MDIO is open drain: a one is sent
// by releasing the line to its pull-up.
type picoMDIO struct {
	mdc, mdio machine.Pin
}

// mdcHalfPeriod keeps MDC below its 2.5MHz limit with margin for turnaround.
const mdcHalfPeriod = 340 * time.Nanosecond

func (m picoMDIO) clock() {
	time.Sleep(mdcHalfPeriod)
	m.mdc.High()
	time.Sleep(mdcHalfPeriod)
	m.mdc.Low()
}

func (m picoMDIO) release() { m.mdio.Configure(machine.PinConfig{Mode: machine.PinInputPullup}) }

func (m picoMDIO) sendBit(b bool) {
	if b {
		m.release()
	} else {
		m.mdio.Low()
		m.mdio.Configure(machine.PinConfig{Mode: machine.PinOutput})
	}
	m.clock()
}

func (m picoMDIO) getBit() bool {
	m.clock()
	return m.mdio.Get()
}

func (m picoMDIO) setDir(out bool) {
	if out {
		m.release()
		return
	}
	m.mdio.Configure(machine.PinConfig{Mode: machine.PinInput})
}

// NewPicoMDIO returns a bit-banged management bus on the given pins.
func NewPicoMDIO(pinMDC, pinMDIO machine.Pin) *phy.MDIOBitBang {
	m := picoMDIO{mdc: pinMDC, mdio: pinMDIO}
	m.release()
	pinMDC.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pinMDC.Low()
	bus := new(phy.MDIOBitBang)
	bus.Configure(m.sendBit, m.getBit, m.setDir)
	return bus
}
