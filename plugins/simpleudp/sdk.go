package main

import (
	"runtime"
	"unsafe"
)

// Levels understood by the host logger.
const (
	levelDebug uint32 = iota
	levelInfo
	levelWarn
	levelError
)

//go:wasmimport env host_log
func hostLog(level, msgPtr, msgLen uint32)

//go:wasmimport env host_report_metric
func hostReportMetric(namePtr, nameLen uint32, value float64, timestamp int64)

func logMsg(level uint32, msg string) {
	if msg == "" {
		return
	}
	hostLog(level, stringPtr(msg))
	runtime.KeepAlive(msg)
}

// reportCount hands a counter to the host; a zero timestamp means now.
func reportCount(name string, value uint64) {
	if name == "" {
		return
	}
	ptr, size := stringPtr(name)
	hostReportMetric(ptr, size, float64(value), 0)
	runtime.KeepAlive(name)
}

// guestBytes views host-written linear memory without copying.
func guestBytes(ptr, size uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size)
}

// stringPtr aliases s; keep s alive while the pointer is in use.
func stringPtr(s string) (uint32, uint32) {
	return uint32(uintptr(unsafe.Pointer(unsafe.StringData(s)))), uint32(len(s))
}
