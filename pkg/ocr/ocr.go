// Package ocr finds text in screenshots, used to check what a board shows
// on its display.
package ocr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/zkrx/tbot/pkg/log"
	"github.com/zkrx/tbot/pkg/models"
)

// Provider is an OCR engine.  Providers need not be safe for concurrent
// use, Manager serialises the calls to each of them.
type Provider interface {
	Name() string
	// Recognize returns the words found in an encoded image (PNG, JPEG, ...).
	// An empty languages uses the provider's default languages.
	Recognize(image []byte, languages []string) ([]models.TextPosition, error)
	Close() error
}

type entry struct {
	mu sync.Mutex
	p  Provider
}

// ErrNoProvider is returned when no engine is available.
var ErrNoProvider = errors.New("no OCR provider available")

// Manager holds the available providers.
type Manager struct {
	mu        sync.Mutex
	providers map[string]*entry
	def       string
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{providers: make(map[string]*entry)}
}

// Register adds p.  The first registered provider becomes the default.
func (m *Manager) Register(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.Name()] = &entry{p: p}
	if m.def == "" {
		m.def = p.Name()
	}
}

// SetDefault selects the provider used by Recognize.
func (m *Manager) SetDefault(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[name]; !ok {
		return fmt.Errorf("OCR engine %s is not available", name)
	}
	m.def = name
	return nil
}

// Engines returns the registered provider names, sorted.
func (m *Manager) Engines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Recognize runs the default provider.  languages is a "+" separated list
// like "eng+deu"; empty keeps the provider's setting.
func (m *Manager) Recognize(image []byte, languages string) ([]models.TextPosition, error) {
	m.mu.Lock()
	e, ok := m.providers[m.def]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNoProvider
	}
	var langs []string
	if languages != "" {
		langs = strings.Split(languages, "+")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.Recognize(image, langs)
}

// Close closes all providers.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result *multierror.Error
	for name, e := range m.providers {
		e.mu.Lock()
		err := e.p.Close()
		e.mu.Unlock()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("closing %s: %w", name, err))
		}
	}
	return result.ErrorOrNil()
}

var (
	defaultOnce sync.Once
	defaultMgr  *Manager
)

// Default returns a process wide manager with Tesseract registered when it
// is available.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultMgr = NewManager()
		l := log.WithComponent("ocr")
		p, err := NewTesseract()
		if err != nil {
			l.Warn().Err(err).Msg("tesseract unavailable")
			return
		}
		defaultMgr.Register(p)
		l.Debug().Str("engine", p.Name()).Msg("OCR ready")
	})
	return defaultMgr
}

// Find returns the positions whose text contains text, ignoring case.
// Phrases spanning several words are matched against consecutive words.
func Find(positions []models.TextPosition, text string) []models.TextPosition {
	want := strings.Fields(strings.ToLower(text))
	if len(want) == 0 {
		return nil
	}
	var found []models.TextPosition
	for i := range positions {
		if i+len(want) > len(positions) {
			break
		}
		match := true
		for j, w := range want {
			got := strings.ToLower(positions[i+j].Text)
			if len(want) == 1 {
				match = strings.Contains(got, w)
			} else if got != w {
				match = false
				break
			}
		}
		if match {
			found = append(found, positions[i])
		}
	}
	return found
}
