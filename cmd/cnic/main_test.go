package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/mcuadros/go-defaults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takehaya/cnic/pkg/capfile"
	"github.com/takehaya/cnic/pkg/cnic"
	"github.com/urfave/cli"
)

func init() {
	cli.OsExiter = func(int) {}
	cli.ErrWriter = io.Discard
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp("test")
	app.Writer = &out
	err := app.Run(append([]string{"cnic", "--memory-size", "1048576", "--quiet"}, args...))
	return out.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	ec, ok := err.(cli.ExitCoder)
	require.True(t, ok, "expected an exit error, got %v", err)
	return ec.ExitCode()
}

func TestLoopbackAndTools(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "source.pcap")
	captured := filepath.Join(dir, "captured.pcap")

	var opts cnic.DebugOptions
	defaults.SetDefaults(&opts)
	opts.Count, opts.Size = 10, 200
	pkts, err := cnic.BuildDebugPackets(opts)
	require.NoError(t, err)
	require.NoError(t, capfile.WriteFile(source, 0, pkts))

	out, err := run(t, "loopback", "--debug", "10", "--size", "200", "--rate", "10", "--out", captured)
	require.NoError(t, err)
	assert.Contains(t, out, "received 10 packets, 2000 bytes")

	out, err = run(t, "compare", "--dport", "5678", source, captured)
	require.NoError(t, err)
	assert.Contains(t, out, "same packets (10 packets compared)")

	_, err = run(t, "compare", source, captured)
	assert.Equal(t, 3, exitCode(t, err), "default dport matches nothing")

	changed := filepath.Join(dir, "changed.pcap")
	out, err = run(t, "change-port", "--port", "4660", "--output", changed, captured)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 10 packets")

	report := filepath.Join(dir, "diff.txt")
	_, err = run(t, "compare", "--report", report, source, changed)
	assert.Equal(t, 1, exitCode(t, err))
	data, err := os.ReadFile(report)
	require.NoError(t, err)
	assert.Equal(t, "0\n1\n2\n3\n4\n5\n6\n7\n8\n9\n", string(data))

	_, err = run(t, "compare", "--dport", "5678", "--packets", "5", source, captured)
	require.NoError(t, err)

	short := filepath.Join(dir, "short.pcap")
	require.NoError(t, capfile.WriteFile(short, 0, pkts[:4]))
	_, err = run(t, "compare", "--dport", "5678", source, short)
	assert.Equal(t, 2, exitCode(t, err))
}

func TestTransmitDebug(t *testing.T) {
	out, err := run(t, "transmit", "--debug", "20", "--size", "128", "--rate", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "burst of")
	assert.Contains(t, out, "sent 20 packets, 2560 bytes")
}

func TestTransmitTotalTime(t *testing.T) {
	out, err := run(t, "transmit", "--debug", "4", "--size", "128",
		"--burst-size", "2", "--burst-gap", "1000", "--total-time", "5us", "--verify")
	require.NoError(t, err)
	assert.Contains(t, out, "3 loops of 2µs")
	assert.Contains(t, out, "sent 12 packets")
}

func TestTransmitNeedsSource(t *testing.T) {
	_, err := run(t, "transmit")
	assert.ErrorContains(t, err, "--file, --debug or --plugin")
}

func TestReceiveNeedsOut(t *testing.T) {
	_, err := run(t, "receive")
	assert.Equal(t, 4, exitCode(t, err))
}

func TestNoHardware(t *testing.T) {
	_, err := run(t, "--simulate=false", "transmit", "--debug", "1")
	assert.ErrorContains(t, err, "device unavailable")
}

func TestPacketSizeUsage(t *testing.T) {
	var usage string
	for _, f := range receiveCommand().Flags {
		if sf, ok := f.(cli.IntFlag); ok && sf.Name == "packet-size" {
			usage = sf.Usage
		}
	}
	assert.Contains(t, usage, "exactly this many bytes")
	assert.Contains(t, usage, "0 captures any size")
}
