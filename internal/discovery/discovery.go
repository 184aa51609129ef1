package discovery

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ConvoSphere/metamcp/internal/config"
	"github.com/ConvoSphere/metamcp/internal/registry"
	"github.com/ConvoSphere/metamcp/internal/transport"
	"github.com/ConvoSphere/metamcp/pkg/logging"
)

// sweepTimeout bounds the initial probe of one sweep candidate.
const sweepTimeout = 5 * time.Second

// Service discovers backends and registers them into the registry.
type Service struct {
	registry    *registry.Registry
	backendsDir string
	sweep       []config.SweepTarget

	mu    sync.Mutex
	files map[string]string // definition file path -> backend ID
}

// New builds a discovery service. backendsDir may point at a directory
// that does not exist yet; it is created on Run.
func New(reg *registry.Registry, backendsDir string, sweep []config.SweepTarget) *Service {
	return &Service{
		registry:    reg,
		backendsDir: backendsDir,
		sweep:       sweep,
		files:       make(map[string]string),
	}
}

// Run performs the initial synchronization and then watches the backend
// definition directory until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.backendsDir, 0o755); err != nil {
		return err
	}

	s.syncDir()
	s.runSweep(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.backendsDir); err != nil {
		return err
	}
	logging.Info("Discovery", "Watching %s for backend definitions", s.backendsDir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("Discovery", "Watcher error: %v", err)
		}
	}
}

// syncDir loads every definition file currently in the directory.
func (s *Service) syncDir() {
	entries, err := os.ReadDir(s.backendsDir)
	if err != nil {
		logging.Warn("Discovery", "Cannot read %s: %v", s.backendsDir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		s.loadFile(filepath.Join(s.backendsDir, entry.Name()))
	}
}

func (s *Service) handleEvent(event fsnotify.Event) {
	if !isDefinitionFile(filepath.Base(event.Name)) {
		return
	}
	switch {
	case event.Op.Has(fsnotify.Create), event.Op.Has(fsnotify.Write):
		s.loadFile(event.Name)
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		s.removeFile(event.Name)
	}
}

// loadFile registers or updates the backend defined in one file.
func (s *Service) loadFile(path string) {
	def, err := config.LoadBackendDefinition(path)
	if err != nil {
		logging.Warn("Discovery", "Skipping %s: %v", path, err)
		return
	}

	endpoint := transport.Endpoint{
		URL:     def.URL,
		Command: def.Command,
		Args:    def.Args,
		Env:     def.Env,
	}
	tr, err := transportFor(def, endpoint)
	if err != nil {
		logging.Warn("Discovery", "Skipping %s: %v", path, err)
		return
	}

	info, created := s.registry.Register(registry.Backend{
		Name:         def.Name,
		Kind:         transport.Kind(def.Kind),
		Endpoint:     endpoint,
		Capabilities: def.Capabilities,
	}, tr)

	s.mu.Lock()
	previous, hadPrevious := s.files[path]
	s.files[path] = info.ID
	s.mu.Unlock()

	// The file may now define a different endpoint; the old backend is
	// gone from disk, so drop it.
	if hadPrevious && previous != info.ID {
		if err := s.registry.Deregister(previous); err == nil {
			logging.Info("Discovery", "Deregistered %s after %s changed endpoints", previous, path)
		}
	}

	if created {
		logging.Info("Discovery", "Registered backend %s from %s", def.Name, path)
	} else {
		logging.Debug("Discovery", "Updated backend %s from %s", def.Name, path)
	}
}

// removeFile deregisters the backend whose definition file disappeared.
func (s *Service) removeFile(path string) {
	s.mu.Lock()
	id, ok := s.files[path]
	delete(s.files, path)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.registry.Deregister(id); err != nil {
		logging.Debug("Discovery", "Backend %s from %s already gone: %v", id, path, err)
		return
	}
	logging.Info("Discovery", "Deregistered backend %s, definition %s removed", id, path)
}

// runSweep probes every configured candidate endpoint and registers the
// ones that answer, learning capabilities from the tool list.
func (s *Service) runSweep(ctx context.Context) {
	for _, target := range s.sweep {
		endpoint := transport.Endpoint{
			URL:     target.URL,
			Command: target.Command,
			Args:    target.Args,
		}
		tr, err := transport.New(transport.Kind(target.Kind), endpoint)
		if err != nil {
			logging.Warn("Discovery", "Sweep target %s: %v", target.Name, err)
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
		capabilities, err := probeCapabilities(probeCtx, tr)
		cancel()
		if err != nil {
			logging.Debug("Discovery", "Sweep target %s did not answer: %v", target.Name, err)
			tr.Close()
			continue
		}

		s.registry.Register(registry.Backend{
			Name:         target.Name,
			Kind:         transport.Kind(target.Kind),
			Endpoint:     endpoint,
			Capabilities: capabilities,
		}, tr)
		logging.Info("Discovery", "Sweep registered backend %s with %d capabilities", target.Name, len(capabilities))
	}
}

func probeCapabilities(ctx context.Context, tr transport.Transport) ([]string, error) {
	if err := tr.Initialize(ctx); err != nil {
		return nil, err
	}
	tools, err := tr.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	capabilities := make([]string, 0, len(tools))
	for _, tool := range tools {
		capabilities = append(capabilities, tool.Name)
	}
	return capabilities, nil
}

// transportFor builds the transport for a static definition, honoring
// per-backend headers on HTTP endpoints.
func transportFor(def config.BackendDefinition, endpoint transport.Endpoint) (transport.Transport, error) {
	if transport.Kind(def.Kind) == transport.KindHTTP && len(def.Headers) > 0 {
		return transport.NewHTTPTransportWithHeaders(def.URL, def.Headers), nil
	}
	return transport.New(transport.Kind(def.Kind), endpoint)
}

func isDefinitionFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
