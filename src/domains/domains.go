// Package domains provides thin clients for the travel app's domain stores
// (trips, destinations, points of interest). The engine never writes to these;
// it only asks them to refresh after the assistant mutated shared data.
package domains

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/wayfarer-app/wayfarer/src/transport"
)

const defaultTimeout = 15 * time.Second

// Item is one cached domain entity, enough for pickers and labels.
type Item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Config holds configuration shared by the domain stores.
type Config struct {
	// BaseURL of the travel app's REST API.
	BaseURL string
	// Tokens supplies the bearer credential.
	Tokens transport.TokenProvider
	// Logger for request logging.
	Logger *slog.Logger
}

// Store caches one domain's listing and re-fetches it on Refresh.
type Store struct {
	name       string
	path       string
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.RWMutex
	items       []Item
	refreshedAt time.Time
}

// NewTripStore returns the trip domain store.
func NewTripStore(cfg Config) *Store {
	return newStore("trip", "/api/trips", cfg)
}

// NewDestinationStore returns the destination domain store.
func NewDestinationStore(cfg Config) *Store {
	return newStore("destination", "/api/destinations", cfg)
}

// NewPOIStore returns the point-of-interest domain store.
func NewPOIStore(cfg Config) *Store {
	return newStore("poi", "/api/pois", cfg)
}

func newStore(name, path string, cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		name:       name,
		path:       path,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger.With("component", "domains", "domain", name),
	}
}

// Refresh re-fetches the domain listing and swaps the cache. This is the
// entrypoint the effect coordinator invokes when the domain goes stale.
func (s *Store) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+s.path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if s.cfg.Tokens != nil {
		token, err := s.cfg.Tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get credential: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s refresh failed: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s refresh failed: status %d", s.name, resp.StatusCode)
	}

	var items []Item
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return fmt.Errorf("failed to decode %s listing: %w", s.name, err)
	}

	s.mu.Lock()
	s.items = items
	s.refreshedAt = time.Now()
	s.mu.Unlock()

	s.logger.Debug("domain cache refreshed", "count", len(items))
	return nil
}

// Items returns the cached listing.
func (s *Store) Items() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

// LastRefreshed returns when the cache was last swapped, zero if never.
func (s *Store) LastRefreshed() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshedAt
}
