package main

// GenerateRequest mirrors the host side plugin.GenerateRequest.
type GenerateRequest struct {
	Sequence uint64 `json:"sequence"`
	Count    uint64 `json:"count"`
	Args     []byte `json:"args"`
}

// GeneratorArgs is the JSON carried in GenerateRequest.Args.
type GeneratorArgs struct {
	SrcMAC     string `json:"src_mac" default:"02:00:00:00:00:01"`
	DstMAC     string `json:"dst_mac" default:"ff:ff:ff:ff:ff:ff"`
	SrcIP      string `json:"src_ip" default:"192.168.1.1"`
	DstIP      string `json:"dst_ip" default:"192.168.1.2"`
	SrcPort    uint16 `json:"src_port" default:"1234"`
	DstPort    uint16 `json:"dst_port" default:"5678"`
	PacketSize int    `json:"packet_size" default:"1500"`
}

type GeneratorOutput struct {
	Template PacketTemplate `json:"template"`
	Metadata Metadata       `json:"metadata"`
}

type PacketTemplate struct {
	BasePacket BasePacket `json:"base_packet"`
}

type BasePacket struct {
	Type   string `json:"type"`
	Data   string `json:"data"`
	Length uint16 `json:"length"`
}

type Metadata struct {
	PacketCount uint64   `json:"packet_count"`
	Tags        []string `json:"tags,omitempty"`
}
