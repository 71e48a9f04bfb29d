package sim

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/keyrx/go-keyrxd/pkg/protocol"
)

// ProfileStore holds the simulated daemon's remapping profiles. Profiles are
// the .krx files found in a directory, or an in-memory list when no
// directory is configured.
type ProfileStore struct {
	logger *slog.Logger
	dir    string

	mu       sync.Mutex
	profiles []string
	active   string
}

// NewProfileStore creates a store backed by dir. An empty dir yields an
// empty in-memory store populated with SetProfiles.
func NewProfileStore(dir string, logger *slog.Logger) (*ProfileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &ProfileStore{logger: logger, dir: dir}
	if dir != "" {
		if err := p.reload(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// SetProfiles replaces the profile list. Used by tests and dir-less setups.
func (p *ProfileStore) SetProfiles(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles = append([]string(nil), names...)
	sort.Strings(p.profiles)
}

// List returns the known profile names, sorted.
func (p *ProfileStore) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.profiles...)
}

// Active returns the active profile name, or "".
func (p *ProfileStore) Active() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Activate marks a profile active. Unknown names fail.
func (p *ProfileStore) Activate(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, prof := range p.profiles {
		if prof == name {
			p.active = name
			return nil
		}
	}
	return fmt.Errorf("profile not found: %s", name)
}

// State renders the store as a daemon-state snapshot.
func (p *ProfileStore) State() protocol.DaemonState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return protocol.DaemonState{
		Modifiers:     []string{},
		Locks:         []string{},
		Layer:         "base",
		ActiveProfile: p.active,
	}
}

func (p *ProfileStore) reload() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return fmt.Errorf("read profile dir %s: %w", p.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".krx") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".krx"))
	}
	sort.Strings(names)

	p.mu.Lock()
	p.profiles = names
	if p.active != "" {
		found := false
		for _, n := range names {
			if n == p.active {
				found = true
				break
			}
		}
		if !found {
			p.active = ""
		}
	}
	p.mu.Unlock()
	p.logger.Info("profiles loaded", "dir", p.dir, "count", len(names))
	return nil
}

// Watch re-reads the profile directory when it changes, debouncing bursts of
// filesystem events, and calls onChange after each reload. Watch blocks
// until done is closed.
func (p *ProfileStore) Watch(done <-chan struct{}, onChange func()) error {
	if p.dir == "" {
		return fmt.Errorf("profile store has no directory to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(p.dir); err != nil {
		return err
	}
	p.logger.Info("watching profile directory", "dir", p.dir)

	const debounce = 300 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".krx" {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerC:
			if err := p.reload(); err != nil {
				p.logger.Warn("profile reload failed", "err", err)
			} else if onChange != nil {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("profile watcher error", "err", err)
		case <-done:
			if timer != nil {
				timer.Stop()
			}
			return nil
		}
	}
}

// AttachProfiles registers the profile-backed RPC methods on the server and
// broadcasts a daemon-state event whenever the active profile changes.
func (s *Server) AttachProfiles(store *ProfileStore) {
	s.HandleQuery("get_version", func(json.RawMessage) (any, *protocol.RpcError) {
		return map[string]string{"version": s.version}, nil
	})
	s.HandleQuery("get_profiles", func(json.RawMessage) (any, *protocol.RpcError) {
		return map[string]any{
			"profiles": store.List(),
			"active":   store.Active(),
		}, nil
	})
	s.HandleQuery("get_state", func(json.RawMessage) (any, *protocol.RpcError) {
		return store.State(), nil
	})
	s.HandleCommand("activate_profile", func(params json.RawMessage) (any, *protocol.RpcError) {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(params, &req); err != nil || req.Name == "" {
			return nil, protocol.NewRpcError(protocol.CodeInvalidParams, "activate_profile requires a name")
		}
		if err := store.Activate(req.Name); err != nil {
			return nil, protocol.NewRpcError(protocol.CodeInvalidParams, err.Error())
		}
		s.PublishState(store)
		return map[string]any{"activated": req.Name}, nil
	})
}

// PublishState broadcasts the store's current daemon-state snapshot.
func (s *Server) PublishState(store *ProfileStore) {
	if err := s.Publish(protocol.ChannelDaemonState, store.State()); err != nil {
		s.logger.Warn("state publish failed", "err", err)
	}
}
