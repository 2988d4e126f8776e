package device

import "fmt"

// Register names of the packet controller and timing peripherals.
// 64 bit values are split into _hi and _lo words, see Read64.
const (
	// PTP clock. Writing RegPTPLatch captures the current time into the
	// seconds/fraction registers so both halves are read consistently.
	RegPTPLatch    = "ptp_latch"
	RegPTPSeconds  = "ptp_seconds"
	RegPTPFraction = "ptp_fraction"

	RegTxStartSeconds       = "tx_start_seconds"
	RegTxStartFraction      = "tx_start_fraction"
	RegScheduleTxStart      = "schedule_control_tx_start_time"
	RegScheduleControlReset = "schedule_control_reset"

	RegTxEnable          = "tx_enable"
	RegTxReset           = "tx_reset"
	RegTxPacketsPerBurst = "tx_packets_per_burst"
	RegTxBurstGapNs      = "tx_burst_gap_ns"
	RegTxTotalPackets    = "tx_total_number_tx_packets"
	RegTxTotalBytes      = "tx_total_bytes"
	RegTxLoopEnable      = "tx_loop_enable"
	RegTxLoops           = "tx_loops"
	RegTxRegionCount     = "tx_region_count"
	RegTxPacketCount     = "tx_packet_count"
	RegTxByteCount       = "tx_byte_count"
	RegTxRunning         = "tx_running"
	RegTxComplete        = "tx_complete"
	RegTxLoopCount       = "tx_loop_count"

	RegRxEnableCapture    = "rx_enable_capture"
	RegRxResetCapture     = "rx_reset_capture"
	RegRxPacketSize       = "rx_packet_size"
	RegRxPacketsToCapture = "rx_packets_to_capture"

	RegEthLocked = "eth_locked"
)

// TxRegionBase is the base address register of the n-th transmit region.
func TxRegionBase(n int) string {
	return fmt.Sprintf("tx_hbm_%d_base", n)
}

// TxRegionEnd is the end address (exclusive) of the data loaded into the n-th transmit region.
func TxRegionEnd(n int) string {
	return fmt.Sprintf("tx_hbm_%d_end", n)
}
