package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// outputCap is the buffer handed to plugin_process for its JSON answer.
const outputCap = 1024 * 1024

// Manager loads WASM generator plugins from a directory.
type Manager struct {
	runtime   wazero.Runtime
	loaded    map[string]*instance
	pluginDir string
	mu        sync.RWMutex
	logger    *zap.Logger
}

type instance struct {
	metadata PluginMetadata
	module   api.Module
	memory   api.Memory
	exports  struct {
		init    api.Function
		process api.Function
		cleanup api.Function
		malloc  api.Function
		free    api.Function
	}
}

func NewManager(ctx context.Context, pluginDir string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	runtime := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	m := &Manager{
		runtime:   runtime,
		loaded:    make(map[string]*instance),
		pluginDir: pluginDir,
		logger:    logger,
	}
	if err := m.exportHostModule(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}
	return m, nil
}

// parseTimestamp guesses the unit of a plugin supplied timestamp.
func parseTimestamp(ts uint64, now time.Time) time.Time {
	nowNs := now.UnixNano()
	switch {
	case ts > uint64(nowNs/100): // ns
		return time.Unix(0, int64(ts))
	case ts > uint64(nowNs/100_000): // us
		return time.Unix(0, int64(ts*1000))
	case ts > uint64(nowNs/100_000_000): // ms
		return time.Unix(0, int64(ts*1_000_000))
	default:
		return time.Unix(int64(ts), 0)
	}
}

// logLevel maps the plugin log levels 0-3 onto zap.
func logLevel(level uint32) zapcore.Level {
	switch level {
	case 0:
		return zapcore.DebugLevel
	case 1:
		return zapcore.InfoLevel
	case 2:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func (m *Manager) hostLog(module string, level uint32, msg string) {
	if ce := m.logger.Check(logLevel(level), msg); ce != nil {
		ce.Write(zap.String("plugin", module))
	}
}

func (m *Manager) hostMetric(module, name string, value float64, timestamp int64) {
	m.logger.Debug("plugin metric",
		zap.String("plugin", module),
		zap.String("name", name),
		zap.Float64("value", value),
		zap.Time("time", parseTimestamp(uint64(timestamp), time.Now())),
	)
}

func (m *Manager) exportHostModule(ctx context.Context) error {
	hostModule := m.runtime.NewHostModuleBuilder("env")

	hostModule.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level uint32, msgPtr, msgLen uint32) {
			data, ok := mod.Memory().Read(msgPtr, msgLen)
			if !ok {
				return
			}
			m.hostLog(mod.Name(), level, string(data))
		}).
		Export("host_log")

	hostModule.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32, value float64, timestamp int64) {
			data, ok := mod.Memory().Read(namePtr, nameLen)
			if !ok {
				return
			}
			m.hostMetric(mod.Name(), string(data), value, timestamp)
		}).
		Export("host_report_metric")

	_, err := hostModule.Instantiate(ctx)
	return err
}

// LoadPlugin instantiates <dir>/<name>.wasm.
func (m *Manager) LoadPlugin(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.loaded[name]; exists {
		return fmt.Errorf("plugin %s already loaded", name)
	}

	wasmBytes, err := os.ReadFile(filepath.Join(m.pluginDir, name+".wasm"))
	if err != nil {
		return fmt.Errorf("failed to read plugin file: %w", err)
	}

	metadata := PluginMetadata{Name: name, Version: "unknown"}
	if raw, err := os.ReadFile(filepath.Join(m.pluginDir, name+".json")); err == nil {
		if err := json.Unmarshal(raw, &metadata); err != nil {
			return fmt.Errorf("failed to parse plugin metadata: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read plugin metadata: %w", err)
	}

	// reactor modules export _initialize instead of _start
	module, err := m.runtime.InstantiateWithConfig(ctx, wasmBytes,
		wazero.NewModuleConfig().WithName(name).WithStartFunctions("_initialize"))
	if err != nil {
		return fmt.Errorf("failed to instantiate module: %w", err)
	}

	inst := &instance{
		metadata: metadata,
		module:   module,
		memory:   module.Memory(),
	}
	inst.exports.init = module.ExportedFunction("plugin_init")
	inst.exports.process = module.ExportedFunction("plugin_process")
	inst.exports.cleanup = module.ExportedFunction("plugin_cleanup")
	inst.exports.malloc = module.ExportedFunction("malloc")
	inst.exports.free = module.ExportedFunction("free")

	if inst.exports.malloc == nil || inst.exports.free == nil || inst.memory == nil {
		module.Close(ctx)
		return fmt.Errorf("plugin missing memory management functions (malloc, free)")
	}
	if inst.exports.init == nil || inst.exports.process == nil {
		module.Close(ctx)
		return fmt.Errorf("plugin missing required functions (plugin_init, plugin_process)")
	}

	m.loaded[name] = inst
	m.logger.Info("plugin loaded",
		zap.String("name", metadata.Name),
		zap.String("version", metadata.Version),
	)
	return nil
}

func (m *Manager) UnloadPlugin(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, exists := m.loaded[name]
	if !exists {
		return fmt.Errorf("plugin %s not loaded", name)
	}
	delete(m.loaded, name)

	if inst.exports.cleanup != nil {
		if _, err := inst.exports.cleanup.Call(ctx); err != nil {
			inst.module.Close(ctx)
			return fmt.Errorf("plugin cleanup failed: %w", err)
		}
	}
	if err := inst.module.Close(ctx); err != nil {
		return fmt.Errorf("failed to close module: %w", err)
	}
	return nil
}

func (m *Manager) lookup(name string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, exists := m.loaded[name]
	if !exists {
		return nil, fmt.Errorf("plugin %s not loaded", name)
	}
	return inst, nil
}

// Generator returns a generator bound to a loaded plugin.
func (m *Manager) Generator(name string) (*GeneratorAdapter, error) {
	p, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return NewGeneratorAdapter(name, p), nil
}

func (m *Manager) ListPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.loaded))
	for name := range m.loaded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close unloads every plugin and the runtime.
func (m *Manager) Close(ctx context.Context) error {
	var firstErr error
	for _, name := range m.ListPlugins() {
		if err := m.UnloadPlugin(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.runtime.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (p *instance) Metadata() PluginMetadata {
	return p.metadata
}

// CallInit passes config to plugin_init.
func (p *instance) CallInit(ctx context.Context, config []byte) error {
	configPtr, err := p.copyIn(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to write config to memory: %w", err)
	}
	defer p.exports.free.Call(ctx, uint64(configPtr))

	results, err := p.exports.init.Call(ctx, uint64(configPtr), uint64(len(config)))
	if err != nil {
		return fmt.Errorf("plugin_init failed: %w", err)
	}
	if len(results) > 0 && uint32(results[0]) != 0 {
		return fmt.Errorf("plugin_init returned error code: %d", int32(results[0]))
	}
	return nil
}

// CallProcess runs plugin_process and copies its output out of guest memory.
func (p *instance) CallProcess(ctx context.Context, input []byte) ([]byte, error) {
	inPtr, err := p.copyIn(ctx, input)
	if err != nil {
		return nil, err
	}
	defer p.exports.free.Call(ctx, uint64(inPtr))

	res, err := p.exports.malloc.Call(ctx, uint64(outputCap))
	if err != nil || len(res) == 0 || res[0] == 0 {
		return nil, fmt.Errorf("alloc out failed")
	}
	outPtr := uint32(res[0])
	defer p.exports.free.Call(ctx, uint64(outPtr))

	r, err := p.exports.process.Call(ctx, uint64(inPtr), uint64(len(input)), uint64(outPtr), uint64(outputCap))
	if err != nil {
		return nil, fmt.Errorf("plugin_process failed: %w", err)
	}
	if len(r) == 0 {
		return nil, fmt.Errorf("no return value")
	}
	outLen := int32(r[0])
	if outLen < 0 {
		return nil, fmt.Errorf("plugin_process returned error code: %d", outLen)
	}

	buf, ok := p.memory.Read(outPtr, uint32(outLen))
	if !ok {
		return nil, fmt.Errorf("read output failed")
	}
	return append([]byte(nil), buf...), nil
}

func (p *instance) copyIn(ctx context.Context, data []byte) (uint32, error) {
	size := len(data)
	if size == 0 {
		size = 1
	}
	res, err := p.exports.malloc.Call(ctx, uint64(size))
	if err != nil || len(res) == 0 || res[0] == 0 {
		return 0, fmt.Errorf("alloc failed")
	}
	ptr := uint32(res[0])
	if !p.memory.Write(ptr, data) {
		return 0, fmt.Errorf("write failed")
	}
	return ptr, nil
}
