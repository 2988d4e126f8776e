package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/takehaya/cnic/pkg/framer"
)

// ErrNoPackets is returned when a generator answers with no packets.
var ErrNoPackets = errors.New("plugin: generator returned no packets")

// GeneratorAdapter drives a loaded WASM module as a Generator.
type GeneratorAdapter struct {
	name string
	inst *instance
}

func NewGeneratorAdapter(name string, inst *instance) *GeneratorAdapter {
	return &GeneratorAdapter{name: name, inst: inst}
}

func (g *GeneratorAdapter) Name() string {
	return g.name
}

func (g *GeneratorAdapter) Initialize(ctx context.Context, config []byte) error {
	return g.inst.CallInit(ctx, config)
}

func (g *GeneratorAdapter) Cleanup(ctx context.Context) error {
	if g.inst.exports.cleanup == nil {
		return nil
	}
	_, err := g.inst.exports.cleanup.Call(ctx)
	return err
}

func (g *GeneratorAdapter) Generate(ctx context.Context, req GenerateRequest) ([]GeneratorOutput, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input: %w", err)
	}
	output, err := g.inst.CallProcess(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to call plugin: %w", err)
	}
	var outs []GeneratorOutput
	if err := json.Unmarshal(output, &outs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output: %w", err)
	}
	return outs, nil
}

// Collect calls g until it has produced count packets. Templates are
// repeated as their metadata asks; surplus packets are dropped.
func Collect(ctx context.Context, g Generator, count int, args []byte) ([]framer.Packet, error) {
	pkts := make([]framer.Packet, 0, count)
	for len(pkts) < count {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outs, err := g.Generate(ctx, GenerateRequest{
			Sequence: uint64(len(pkts)),
			Count:    uint64(count - len(pkts)),
			Args:     args,
		})
		if err != nil {
			return nil, err
		}
		before := len(pkts)
		for i, out := range outs {
			data, err := out.Template.BasePacket.Bytes()
			if err != nil {
				return nil, fmt.Errorf("%s: template %d: %w", g.Name(), i, err)
			}
			repeat := max(out.Metadata.PacketCount, 1)
			for r := uint64(0); r < repeat && len(pkts) < count; r++ {
				pkts = append(pkts, framer.Packet{Data: data})
			}
		}
		if len(pkts) == before {
			return nil, fmt.Errorf("%s: %w", g.Name(), ErrNoPackets)
		}
	}
	return pkts, nil
}
