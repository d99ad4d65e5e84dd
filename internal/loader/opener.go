package loader

import (
	"fmt"
	"plugin"
)

// Module is an opened engine module.
type Module interface {
	Lookup(symbol string) (any, error)
}

// Opener opens the module at path.
type Opener func(path string) (Module, error)

type pluginModule struct {
	p *plugin.Plugin
}

func (m pluginModule) Lookup(symbol string) (any, error) {
	return m.p.Lookup(symbol)
}

// OpenPlugin opens a Go plugin built with -buildmode=plugin.
func OpenPlugin(path string) (Module, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin: %w", err)
	}
	return pluginModule{p: p}, nil
}
