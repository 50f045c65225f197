package ethdrv

import "sync/atomic"

// Events holds the two edge-triggered signals a driver posts towards the
// network stack task. Signals may be posted from interrupt context; the task
// consumes them with the Take methods. A nil *Events discards all signals.
type Events struct {
	txReady  atomic.Bool
	nicEvent atomic.Bool
}

// SignalTxReady posts the "TX ready" event: the driver can accept another frame.
func (ev *Events) SignalTxReady() {
	if ev != nil {
		ev.txReady.Store(true)
	}
}

// SignalNIC posts the general NIC event: received data, link change or some
// other condition needs attention from the main task.
func (ev *Events) SignalNIC() {
	if ev != nil {
		ev.nicEvent.Store(true)
	}
}

// TakeTxReady reports whether TX ready was posted since the last call and clears it.
func (ev *Events) TakeTxReady() bool {
	return ev != nil && ev.txReady.Swap(false)
}

// TakeNIC reports whether a NIC event was posted since the last call and clears it.
func (ev *Events) TakeNIC() bool {
	return ev != nil && ev.nicEvent.Swap(false)
}
