package tc6

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"strconv"

	"github.com/soypat/ethdrv"
)

// Memory map selectors.
const (
	MMS0   uint8 = 0 // Standard control and status registers.
	MMSMAC uint8 = 1 // MAC registers.
)

// Standard registers in MMS 0.
const (
	RegIDVER   uint16 = 0x00
	RegPHYID   uint16 = 0x01
	RegSTDCAP  uint16 = 0x02
	RegRESET   uint16 = 0x03
	RegCONFIG0 uint16 = 0x04
	RegSTATUS0 uint16 = 0x08
	RegBUFSTS  uint16 = 0x0B
	RegIMASK0  uint16 = 0x0C
)

// MAC registers in MMS 1.
const (
	RegMACNCR   uint16 = 0x00 // Network control.
	RegMACNCFGR uint16 = 0x01 // Network configuration.
	RegMACHRB   uint16 = 0x20 // Hash bottom, bins 31:0.
	RegMACHRT   uint16 = 0x21 // Hash top, bins 63:32.
	RegMACSAB1  uint16 = 0x22 // Specific address 1 bottom.
	RegMACSAT1  uint16 = 0x23 // Specific address 1 top.
)

// Register bits.
const (
	ResetSWRESET = 1 << 0

	Config0SYNC    = 1 << 15
	Config0CPSMask = 0b111

	Status0RESETC = 1 << 6 // Reset complete.
	Status0HDRE   = 1 << 5 // Header error.
	Status0LOFE   = 1 << 4 // Loss of framing.
	Status0RXBOE  = 1 << 3 // Receive buffer overflow.
	Status0TXBUE  = 1 << 2 // Transmit buffer underflow.
	Status0TXBOE  = 1 << 1 // Transmit buffer overflow.
	Status0TXPE   = 1 << 0 // Transmit protocol error.

	NCRTXEN     = 1 << 3
	NCRRXEN     = 1 << 2
	NCFGRMTIHEN = 1 << 6 // Multicast hash enable.
)

// maxCtlRegs bounds the registers accessed by a single control transaction.
const maxCtlRegs = 4

var errCtlLen = errors.New("tc6: invalid control transaction length")

var regNames = map[uint32]string{
	uint32(MMS0)<<16 | uint32(RegIDVER):      "IDVER",
	uint32(MMS0)<<16 | uint32(RegPHYID):      "PHYID",
	uint32(MMS0)<<16 | uint32(RegSTDCAP):     "STDCAP",
	uint32(MMS0)<<16 | uint32(RegRESET):      "RESET",
	uint32(MMS0)<<16 | uint32(RegCONFIG0):    "CONFIG0",
	uint32(MMS0)<<16 | uint32(RegSTATUS0):    "STATUS0",
	uint32(MMS0)<<16 | uint32(RegBUFSTS):     "BUFSTS",
	uint32(MMS0)<<16 | uint32(RegIMASK0):     "IMASK0",
	uint32(MMSMAC)<<16 | uint32(RegMACNCR):   "MAC_NCR",
	uint32(MMSMAC)<<16 | uint32(RegMACNCFGR): "MAC_NCFGR",
	uint32(MMSMAC)<<16 | uint32(RegMACHRB):   "MAC_HRB",
	uint32(MMSMAC)<<16 | uint32(RegMACHRT):   "MAC_HRT",
	uint32(MMSMAC)<<16 | uint32(RegMACSAB1):  "MAC_SAB1",
	uint32(MMSMAC)<<16 | uint32(RegMACSAT1):  "MAC_SAT1",
}

// RegName returns a human readable name for a register.
func RegName(mms uint8, addr uint16) string {
	if name, ok := regNames[uint32(mms)<<16|uint32(addr)]; ok {
		return name
	}
	return "MMS" + strconv.Itoa(int(mms)) + ":0x" + strconv.FormatUint(uint64(addr), 16)
}

// ReadReg reads a single register.
func (d *Device) ReadReg(mms uint8, addr uint16) (uint32, error) {
	var v [1]uint32
	err := d.ReadRegs(mms, addr, v[:])
	return v[0], err
}

// WriteReg writes a single register.
func (d *Device) WriteReg(mms uint8, addr uint16, value uint32) error {
	v := [1]uint32{value}
	return d.WriteRegs(mms, addr, v[:])
}

// ReadRegs reads len(dst) consecutive registers starting at addr.
func (d *Device) ReadRegs(mms uint8, addr uint16, dst []uint32) error {
	rx, err := d.control(false, mms, addr, dst)
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = binary.BigEndian.Uint32(rx[4*i:])
	}
	return nil
}

// WriteRegs writes consecutive registers starting at addr.
func (d *Device) WriteRegs(mms uint8, addr uint16, src []uint32) error {
	_, err := d.control(true, mms, addr, src)
	return err
}

// control runs a control transaction. The host shifts out the header, the
// register words and one trailing word; the MACPHY shifts out one word of
// padding, the echoed header and the register words. It returns the register
// words received.
func (d *Device) control(write bool, mms uint8, addr uint16, words []uint32) ([]byte, error) {
	n := len(words)
	if n == 0 || n > maxCtlRegs {
		return nil, errCtlLen
	}
	size := 4 * (n + 2)
	tx := d.ctltx[:size]
	rx := d.ctlrx[:size]
	clear(tx)
	hdr := ControlHeader(write, mms, addr, n)
	binary.BigEndian.PutUint32(tx, uint32(hdr))
	if write {
		for i, w := range words {
			binary.BigEndian.PutUint32(tx[4+4*i:], w)
		}
	}
	err := d.bus.Tx(tx, rx)
	if err != nil {
		return nil, err
	}
	echo := Header(binary.BigEndian.Uint32(rx[4:]))
	if echo != hdr {
		d.stats.ProtocolErrors++
		d.log.debug("control:bad echo",
			slog.String("reg", RegName(mms, addr)),
			slog.Uint64("hdr", uint64(hdr)), slog.Uint64("echo", uint64(echo)),
		)
		return nil, ethdrv.ErrProtocol
	}
	d.log.trace("control", slog.Bool("write", write), slog.String("reg", RegName(mms, addr)), slog.Int("n", n))
	return rx[8:], nil
}
