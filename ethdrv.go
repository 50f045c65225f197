// Package ethdrv provides building blocks for Ethernet NIC drivers on
// microcontrollers: the frame I/O contract shared by every driver, the
// edge-triggered events drivers use to wake the network stack, PHY management
// over MDIO and a single-frame RMII MAC adapter.
//
// The descriptor ring engine used by DMA-capable MACs lives in package dmaring
// and the SPI chunk transport used by 10BASE-T1S MACPHYs in package tc6.
// Both implement [NIC].
package ethdrv

import (
	"errors"

	"github.com/soypat/lneto/ethernet"
)

const (
	// MTU is the default maximum transmission unit of the Ethernet payload.
	MTU = 1500
	// MFU is the default maximum frame size including Ethernet header and trailer.
	MFU = MTU + ethernet.MaxOverheadSize
	// minFrame is the size of an Ethernet header without VLAN tag.
	minFrame = 14
)

// NIC is the frame I/O contract implemented by every driver in this module.
// Neither method blocks: hardware that is not ready results in an immediate error.
type NIC interface {
	// SendPacket enqueues the frame starting at frame[offset:] for transmission.
	// ErrBusy signals backpressure: retry after the next TX ready event.
	SendPacket(frame []byte, offset int) error
	// ReceivePacket dequeues at most one received frame and hands it to the
	// driver's RecvHandler. ErrBufferEmpty is returned when nothing is pending.
	ReceivePacket() error
}

// RecvHandler processes a received frame. The handler MUST NOT hold on to
// references to frame when returning since the buffer is handed back to hardware.
type RecvHandler func(frame []byte) error

// Drain calls ReceivePacket until the NIC reports ErrBufferEmpty and returns the
// amount of frames delivered. Dropped frames do not stop the drain. A hardware
// fault stops the loop and is returned.
func Drain(nic NIC) (frames int, err error) {
	for {
		err = nic.ReceivePacket()
		switch {
		case err == nil:
			frames++
		case errors.Is(err, ErrBufferEmpty):
			return frames, nil
		case IsHardwareFault(err):
			return frames, err
		}
		// Frame drop or handler error: keep draining.
	}
}
