package ssm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrModelExists   = errors.New("model already registered")
	ErrModelNotFound = errors.New("model not found")
)

type Factory func(params Params) (Model, error)

var modelRegistry = struct {
	mu sync.RWMutex
	m  map[string]Factory
}{
	m: make(map[string]Factory),
}

func init() {
	initializeBuiltInModels()
}

func initializeBuiltInModels() {
	MustRegister("lorenz63", func(p Params) (Model, error) { return NewLorenz63(p) })
	MustRegister("randomwalk", func(p Params) (Model, error) { return NewRandomWalk(p) })
}

func Register(name string, factory Factory) error {
	if name == "" {
		return errors.New("model name is required")
	}
	if factory == nil {
		return errors.New("model factory is required")
	}

	modelRegistry.mu.Lock()
	defer modelRegistry.mu.Unlock()

	if _, exists := modelRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrModelExists, name)
	}
	modelRegistry.m[name] = factory
	return nil
}

func MustRegister(name string, factory Factory) {
	if err := Register(name, factory); err != nil {
		panic(err)
	}
}

func New(name string, params Params) (Model, error) {
	modelRegistry.mu.RLock()
	factory, ok := modelRegistry.m[name]
	modelRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	m, err := factory(params)
	if err != nil {
		return nil, fmt.Errorf("build model %s: %w", name, err)
	}
	return m, nil
}

func Names() []string {
	modelRegistry.mu.RLock()
	defer modelRegistry.mu.RUnlock()

	names := make([]string, 0, len(modelRegistry.m))
	for name := range modelRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetRegistryForTests() {
	modelRegistry.mu.Lock()
	modelRegistry.m = make(map[string]Factory)
	modelRegistry.mu.Unlock()
	initializeBuiltInModels()
}
