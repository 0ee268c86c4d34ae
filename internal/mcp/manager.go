package mcp

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	cfgpkg "picomcp/internal/config"
)

// Manager instantiates the configured providers and installs them into one
// set of registries.
type Manager struct {
	providers map[string]Provider // name -> instance
	order     []string
	regs      *Registries
}

func NewManager() *Manager {
	return &Manager{providers: map[string]Provider{}, regs: NewRegistries()}
}

// Load initializes every configured provider via its registered factory and
// installs its capabilities. Providers install in configuration order, so a
// later provider overrides an earlier one on a name clash.
func (m *Manager) Load(entries []cfgpkg.ProviderConfig) error {
	if len(entries) == 0 {
		return errors.New("no providers configured")
	}
	for _, s := range entries {
		name := s.Name
		if name == "" {
			name = s.Provider
		}
		f := LookupProvider(s.Provider)
		if f == nil {
			return fmt.Errorf("unknown provider: %s", s.Provider)
		}
		opts := map[string]any{
			"roots":         s.Roots,
			"maxBytes":      fallbackInt(s.MaxBytes, 1_048_576),
			"includeHidden": s.IncludeHidden,
			"allowBinary":   s.AllowBinary,
		}
		p, err := f(opts)
		if err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
		if err := p.Install(m.regs); err != nil {
			return fmt.Errorf("provider %s: install: %w", name, err)
		}
		if _, dup := m.providers[name]; !dup {
			m.order = append(m.order, name)
		}
		m.providers[name] = p
		logrus.WithFields(logrus.Fields{
			"provider":  s.Provider,
			"name":      name,
			"tools":     m.regs.Tools.Len(),
			"resources": m.regs.Resources.Len(),
			"prompts":   m.regs.Prompts.Len(),
		}).Info("provider installed")
	}
	return nil
}

func fallbackInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Registries returns the registries populated by Load.
func (m *Manager) Registries() *Registries { return m.regs }

// Provider returns a provider instance by name.
func (m *Manager) Provider(name string) (Provider, error) {
	p, ok := m.providers[name]
	if !ok {
		return nil, errors.New("provider not found")
	}
	return p, nil
}

// List returns loaded provider names in load order.
func (m *Manager) List() []string {
	return append([]string(nil), m.order...)
}
