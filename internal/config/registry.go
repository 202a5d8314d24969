package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/audio/virtual"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: audio backend not registered")

// OutputFactory builds an output device from its config entry.
type OutputFactory func(DeviceEntry) (audio.OutputDevice, error)

// InputFactory builds an input device from its config entry.
type InputFactory func(DeviceEntry) (audio.InputDevice, error)

// Registry maps backend names to device constructors. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	output map[string]OutputFactory
	input  map[string]InputFactory
}

// NewRegistry returns a registry with the virtual backend registered.
func NewRegistry() *Registry {
	r := &Registry{
		output: make(map[string]OutputFactory),
		input:  make(map[string]InputFactory),
	}
	r.RegisterOutput("virtual", newVirtualOutput)
	r.RegisterInput("virtual", newVirtualInput)
	return r
}

// RegisterOutput registers an output backend under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterOutput(name string, factory OutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// RegisterInput registers an input backend under name.
func (r *Registry) RegisterInput(name string, factory InputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input[name] = factory
}

// CreateOutput instantiates the output backend registered under entry.Name.
// Returns [ErrBackendNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateOutput(entry DeviceEntry) (audio.OutputDevice, error) {
	r.mu.RLock()
	factory, ok := r.output[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateInput instantiates the input backend registered under entry.Name.
func (r *Registry) CreateInput(entry DeviceEntry) (audio.InputDevice, error) {
	r.mu.RLock()
	factory, ok := r.input[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: input/%q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Backends returns the sorted names of registered output and input backends.
func (r *Registry) Backends() (outputs, inputs []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name := range r.output {
		outputs = append(outputs, name)
	}
	for name := range r.input {
		inputs = append(inputs, name)
	}
	sort.Strings(outputs)
	sort.Strings(inputs)
	return outputs, inputs
}

func newVirtualOutput(e DeviceEntry) (audio.OutputDevice, error) {
	period, err := e.Duration("period", virtual.DefaultPeriod)
	if err != nil {
		return nil, err
	}
	return &virtual.Output{Period: period}, nil
}

func newVirtualInput(e DeviceEntry) (audio.InputDevice, error) {
	period, err := e.Duration("period", virtual.DefaultPeriod)
	if err != nil {
		return nil, err
	}
	return &virtual.Input{Period: period}, nil
}

// Duration reads option key as a duration string such as "20ms".
func (e DeviceEntry) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := e.Options[key]
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(optionString(v))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: %s option %q: invalid duration %v", e.Name, key, v)
	}
	return d, nil
}

// Int reads option key as a positive integer.
func (e DeviceEntry) Int(key string, def int) (int, error) {
	v, ok := e.Options[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(optionString(v))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: %s option %q: invalid positive integer %v", e.Name, key, v)
	}
	return n, nil
}

func optionString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
