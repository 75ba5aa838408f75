package policyjs

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

// Instance is an isolated runtime for one policy module. A goja runtime
// is not safe for concurrent use, so every call funnels through a single
// goroutine owning the VM.
type Instance struct {
	module *Module
	rt     *goja.Runtime
	export *goja.Object
	queue  chan func(*goja.Runtime)
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewInstance creates an isolated runtime for the provided module.
func NewInstance(module *Module) (*Instance, error) {
	if module == nil {
		return nil, fmt.Errorf("policy instance: module required")
	}
	rt := goja.New()
	export, err := runModule(rt, module.Program)
	if err != nil {
		return nil, fmt.Errorf("policy instance: execute %s: %w", module.Path, err)
	}
	instance := &Instance{
		module: module,
		rt:     rt,
		export: export,
		queue:  make(chan func(*goja.Runtime)),
	}
	instance.wg.Add(1)
	go instance.loop()
	return instance, nil
}

// Name returns the module name the instance runs.
func (i *Instance) Name() string {
	if i == nil || i.module == nil {
		return ""
	}
	return i.module.Name
}

func (i *Instance) loop() {
	defer i.wg.Done()
	for cb := range i.queue {
		cb(i.rt)
	}
}

// Execute runs the provided function on the instance goroutine.
func (i *Instance) Execute(fn func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error)) (goja.Value, error) {
	if i == nil {
		return nil, fmt.Errorf("policy instance: nil receiver")
	}
	if fn == nil {
		return nil, fmt.Errorf("policy instance: callback required")
	}

	wait := make(chan result, 1)

	i.mu.RLock()
	if i.closed {
		i.mu.RUnlock()
		return nil, fmt.Errorf("policy instance: closed")
	}
	i.queue <- func(rt *goja.Runtime) {
		val, err := fn(rt, i.export)
		wait <- result{value: val, err: err}
	}
	i.mu.RUnlock()

	outcome := <-wait
	return outcome.value, outcome.err
}

// Call invokes the named export with the provided arguments on the
// instance goroutine.
func (i *Instance) Call(function string, args ...any) (goja.Value, error) {
	if i == nil {
		return nil, fmt.Errorf("policy instance: nil receiver")
	}
	fn := strings.TrimSpace(function)
	if fn == "" {
		return nil, fmt.Errorf("policy instance: function name required")
	}

	return i.Execute(func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error) {
		value := exports.Get(fn)
		if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
			return nil, ErrFunctionMissing
		}
		callable, ok := goja.AssertFunction(value)
		if !ok {
			return nil, fmt.Errorf("policy instance: export %q not callable", fn)
		}
		params := make([]goja.Value, len(args))
		for idx, arg := range args {
			params[idx] = rt.ToValue(arg)
		}
		return callable(goja.Undefined(), params...)
	})
}

// Close stops the instance goroutine and releases the runtime.
func (i *Instance) Close() {
	if i == nil {
		return
	}
	i.once.Do(func() {
		i.mu.Lock()
		i.closed = true
		close(i.queue)
		i.mu.Unlock()
		i.wg.Wait()
	})
}

type result struct {
	value goja.Value
	err   error
}
