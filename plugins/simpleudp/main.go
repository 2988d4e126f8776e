package main

// malloc and free are exported from libc for the host.

// #include <stdlib.h>
import "C"

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/mcuadros/go-defaults"
)

// maxBatch keeps one hex encoded answer well inside the host's 1 MiB buffer.
const maxBatch = 256

func main() {}

var initArgs GeneratorArgs

//go:wasmexport plugin_init
func plugin_init(configPtr, configLen uint32) uint32 {
	defaults.SetDefaults(&initArgs)
	if configLen == 0 {
		return 0
	}
	if err := json.Unmarshal(guestBytes(configPtr, configLen), &initArgs); err != nil {
		logMsg(levelError, "bad plugin config: "+err.Error())
		return 1
	}
	logMsg(levelInfo, "simpleudp initialized")
	return 0
}

//go:wasmexport plugin_process
func plugin_process(inputPtr, inputLen, outputPtr, outputMaxLen uint32) int32 {
	in := guestBytes(inputPtr, inputLen)
	if len(in) == 0 {
		logMsg(levelError, "empty input")
		return -1
	}

	var req GenerateRequest
	if err := json.Unmarshal(in, &req); err != nil {
		logMsg(levelError, "json unmarshal failed: "+err.Error())
		return -2
	}
	args := initArgs
	if args.PacketSize == 0 {
		defaults.SetDefaults(&args)
	}
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			logMsg(levelError, "bad generator args: "+err.Error())
			return -2
		}
	}
	if args.PacketSize < headerLen {
		logMsg(levelError, "packet_size below "+strconv.Itoa(headerLen))
		return -2
	}
	srcMAC, ok1 := parseMAC(args.SrcMAC)
	dstMAC, ok2 := parseMAC(args.DstMAC)
	if !ok1 || !ok2 {
		logMsg(levelError, "bad mac address")
		return -2
	}

	n := req.Count
	if n > maxBatch {
		n = maxBatch
	}
	res := make([]GeneratorOutput, 0, n)
	for i := uint64(0); i < n; i++ {
		payload := counterPayload(req.Sequence+i, args.PacketSize-headerLen)
		pkt := BuildSimpleUDPPacket(srcMAC, dstMAC,
			args.SrcIP, args.DstIP,
			args.SrcPort, args.DstPort,
			payload,
		)
		res = append(res, GeneratorOutput{
			Template: PacketTemplate{BasePacket: BasePacket{
				Type:   "hex",
				Data:   hex.EncodeToString(pkt),
				Length: uint16(len(pkt)),
			}},
			Metadata: Metadata{PacketCount: 1, Tags: []string{"udp", "counter"}},
		})
	}

	out, err := json.Marshal(res)
	if err != nil {
		logMsg(levelError, "json marshal failed: "+err.Error())
		return -3
	}
	if uint32(len(out)) > outputMaxLen {
		logMsg(levelError, "output buffer too small")
		return -4
	}
	copy(guestBytes(outputPtr, outputMaxLen), out)
	reportCount("generated_packets", uint64(n))
	return int32(len(out))
}

//go:wasmexport plugin_cleanup
func plugin_cleanup() {
	logMsg(levelDebug, "simpleudp cleanup")
}

// counterPayload fills 16 bit words: the first holds the packet index, the
// rest their own word index.
func counterPayload(seq uint64, n int) []byte {
	payload := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		w := uint16(i / 2)
		if i == 0 {
			w = uint16(seq)
		}
		payload[i] = byte(w >> 8)
		payload[i+1] = byte(w)
	}
	return payload
}

func parseMAC(s string) ([6]byte, bool) {
	var mac [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return mac, false
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return mac, false
		}
		mac[i] = byte(v)
	}
	return mac, true
}
