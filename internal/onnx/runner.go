//go:build !windows

package onnx

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"
)

const defaultAPIVersion = 23

// RunnerConfig holds ORT library settings for creating runners.
type RunnerConfig struct {
	LibraryPath string
	APIVersion  uint32
}

// shared is the ORT runtime and environment every open runner borrows.
// It is loaded by the first runner and unloaded with the last one.
var shared struct {
	mu      sync.Mutex
	lib     string
	runtime *ort.Runtime
	env     *ort.Env
	refs    int
}

func acquireShared(cfg RunnerConfig) (*ort.Runtime, *ort.Env, error) {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if shared.runtime != nil {
		if shared.lib != cfg.LibraryPath {
			return nil, nil, fmt.Errorf("ort already loaded from %s, cannot also load %s", shared.lib, cfg.LibraryPath)
		}

		shared.refs++

		return shared.runtime, shared.env, nil
	}

	rt, err := ort.NewRuntime(cfg.LibraryPath, cfg.APIVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("ort runtime %s: %w", cfg.LibraryPath, err)
	}

	env, err := rt.NewEnv("opparity", ort.LoggingLevelWarning)
	if err != nil {
		_ = rt.Close()
		return nil, nil, fmt.Errorf("ort env: %w", err)
	}

	shared.lib, shared.runtime, shared.env, shared.refs = cfg.LibraryPath, rt, env, 1

	return rt, env, nil
}

func releaseRef() {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	shared.refs--
	if shared.refs > 0 {
		return
	}

	shared.env.Close()
	_ = shared.runtime.Close()
	shared.lib, shared.runtime, shared.env, shared.refs = "", nil, nil, 0
}

func releaseShared() error {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if shared.refs > 0 {
		return fmt.Errorf("onnx runtime still has %d open runner(s)", shared.refs)
	}

	return nil
}

// Runner executes one ONNX graph. Run is not safe for concurrent use.
type Runner struct {
	meta    Session
	runtime *ort.Runtime
	session *ort.Session
	once    sync.Once
}

// NewRunner opens an ORT session for the graph described by meta.
func NewRunner(meta Session, cfg RunnerConfig) (*Runner, error) {
	if cfg.APIVersion == 0 {
		cfg.APIVersion = defaultAPIVersion
	}

	rt, env, err := acquireShared(cfg)
	if err != nil {
		return nil, fmt.Errorf("runner %q: %w", meta.Name, err)
	}

	session, err := rt.NewSession(env, meta.Path, nil)
	if err != nil {
		releaseRef()
		return nil, fmt.Errorf("ort session for %q (%s): %w", meta.Name, meta.Path, err)
	}

	return &Runner{meta: meta, runtime: rt, session: session}, nil
}

// Run feeds the named inputs to the graph. Every declared graph input must
// be present and no undeclared name is accepted.
func (r *Runner) Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	if r.session == nil {
		return nil, fmt.Errorf("run %q: runner is closed", r.meta.Name)
	}

	if err := r.checkFeed(inputs); err != nil {
		return nil, err
	}

	feed := make(map[string]*ort.Value, len(inputs))
	defer closeValues(feed)

	for name, t := range inputs {
		v, err := toValue(r.runtime, t)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}

		feed[name] = v
	}

	fetched, err := r.session.Run(ctx, feed)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", r.meta.Name, err)
	}
	defer closeValues(fetched)

	results := make(map[string]*Tensor, len(fetched))

	for name, v := range fetched {
		t, err := fromValue(v)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}

		results[name] = t
	}

	return results, nil
}

func (r *Runner) checkFeed(inputs map[string]*Tensor) error {
	for _, in := range r.meta.Inputs {
		if _, ok := inputs[in.Name]; !ok {
			return fmt.Errorf("run %q: missing input %q", r.meta.Name, in.Name)
		}
	}

	if len(inputs) != len(r.meta.Inputs) {
		return fmt.Errorf("run %q: got %d inputs, graph declares %d (%s)",
			r.meta.Name, len(inputs), len(r.meta.Inputs), valueNames(r.meta.Inputs))
	}

	return nil
}

// Close releases the session and its hold on the shared runtime. Safe to
// call multiple times.
func (r *Runner) Close() {
	r.once.Do(func() {
		r.session.Close()
		r.session = nil
		r.runtime = nil
		releaseRef()
	})
}

// Name returns the session name.
func (r *Runner) Name() string {
	return r.meta.Name
}

// Session returns the graph interface the runner was created with.
func (r *Runner) Session() Session {
	return r.meta
}

func toValue(rt *ort.Runtime, t *Tensor) (*ort.Value, error) {
	switch {
	case t == nil:
		return nil, fmt.Errorf("nil tensor")
	case t.dtype == DTypeFloat32:
		return ort.NewTensorValue(rt, t.f32, t.Shape())
	case t.dtype == DTypeInt64:
		return ort.NewTensorValue(rt, t.i64, t.Shape())
	default:
		return nil, fmt.Errorf("unsupported tensor dtype %q", t.dtype)
	}
}

func fromValue(v *ort.Value) (*Tensor, error) {
	elemType, err := v.GetTensorElementType()
	if err != nil {
		return nil, fmt.Errorf("get element type: %w", err)
	}

	switch elemType {
	case ort.ONNXTensorElementDataTypeFloat:
		return extract[float32](v)
	case ort.ONNXTensorElementDataTypeInt64:
		return extract[int64](v)
	default:
		return nil, fmt.Errorf("unsupported ORT element type %d", elemType)
	}
}

func extract[T float32 | int64](v *ort.Value) (*Tensor, error) {
	data, shape, err := ort.GetTensorData[T](v)
	if err != nil {
		return nil, err
	}

	return NewTensor(data, shape)
}

func closeValues(vals map[string]*ort.Value) {
	for _, v := range vals {
		if v != nil {
			v.Close()
		}
	}
}
