package ethdrv

import "errors"

// Backpressure.
var (
	// ErrBusy is returned by SendPacket when the hardware cannot accept another
	// frame yet: the next descriptor is still owned by DMA or chunk credit is short.
	ErrBusy = errors.New("ethdrv: transmitter busy")
)

// Receive loop terminator.
var (
	// ErrBufferEmpty is returned by ReceivePacket when no frame is pending.
	ErrBufferEmpty = errors.New("ethdrv: no frame pending")
)

// Malformed frame. The frame is dropped and the driver state advanced.
var (
	ErrInvalidPacket  = errors.New("ethdrv: invalid packet")
	ErrInvalidLength  = errors.New("ethdrv: invalid frame length")
	ErrBufferOverflow = errors.New("ethdrv: frame exceeds buffer")
)

// Hardware faults.
var (
	// ErrProtocol is a link-level fault such as a chunk header or footer
	// parity error. It is not attributed to frame data.
	ErrProtocol = errors.New("ethdrv: protocol fault")
	// ErrNoResponse is returned when a bounded wait on hardware is exhausted.
	ErrNoResponse = errors.New("ethdrv: hardware did not respond")
	// ErrIdentify is returned when chip identification fails during bring-up.
	ErrIdentify = errors.New("ethdrv: chip identification failed")
)

// IsBackpressure reports whether err asks the caller to wait for TX ready.
func IsBackpressure(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsFrameDrop reports whether err concerns a single dropped frame.
func IsFrameDrop(err error) bool {
	return errors.Is(err, ErrInvalidPacket) || errors.Is(err, ErrInvalidLength) ||
		errors.Is(err, ErrBufferOverflow)
}

// IsHardwareFault reports whether err is a protocol or bring-up fault.
func IsHardwareFault(err error) bool {
	return errors.Is(err, ErrProtocol) || errors.Is(err, ErrNoResponse) ||
		errors.Is(err, ErrIdentify)
}
