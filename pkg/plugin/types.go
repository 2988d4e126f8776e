package plugin

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Generator is a packet generator plugin.
type Generator interface {
	Name() string
	Initialize(ctx context.Context, config []byte) error
	Generate(ctx context.Context, req GenerateRequest) ([]GeneratorOutput, error)
	Cleanup(ctx context.Context) error
}

// GenerateRequest is the plugin_process input.
type GenerateRequest struct {
	// Sequence is the index of the first packet this call produces.
	Sequence uint64 `json:"sequence"`
	// Count is the number of packets still wanted.
	Count uint64 `json:"count"`
	// Args is passed through to the plugin untouched.
	Args []byte `json:"args,omitempty"`
}

// GeneratorOutput is one packet template returned by plugin_process.
type GeneratorOutput struct {
	Template PacketTemplate    `json:"template"`
	Metadata GeneratorMetadata `json:"metadata"`
}

type PacketTemplate struct {
	BasePacket BasePacket `json:"base_packet"`
}

// BasePacket holds the packet bytes in one of the encodings "hex" (default),
// "base64" or "zeros".
type BasePacket struct {
	Type   string `json:"type"`
	Data   string `json:"data"`
	Length uint16 `json:"length"`
}

// Bytes decodes the packet. A non-zero Length must match the decoded size.
func (b BasePacket) Bytes() ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(b.Type) {
	case "", "hex":
		data, err = hex.DecodeString(b.Data)
	case "base64":
		data, err = base64.StdEncoding.DecodeString(b.Data)
	case "zeros":
		data = make([]byte, b.Length)
	default:
		return nil, fmt.Errorf("unknown base packet type %q", b.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed decode base packet: %w", err)
	}
	if b.Length != 0 && int(b.Length) != len(data) {
		return nil, fmt.Errorf("base packet length %d does not match data (%d bytes)", b.Length, len(data))
	}
	return data, nil
}

type GeneratorMetadata struct {
	// PacketCount repeats the template, 0 counts as 1.
	PacketCount uint64   `json:"packet_count"`
	Tags        []string `json:"tags,omitempty"`
	Description string   `json:"description,omitempty"`
}

// PluginMetadata is read from <name>.json next to the module, when present.
type PluginMetadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}
