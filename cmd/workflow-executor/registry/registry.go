// Package registry maintains the live view of agents on the mesh. Agents
// announce full cards on the discovery topic and publish RFC 6902 patches for
// incremental updates; entries expire when an agent stops announcing. The
// executor consults cards for input and output schemas when dispatching, and
// announces its own workflow as an agent so the mesh can invoke it.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/kestrel-ai/meshflow/common/protocol"
)

// Logger is the minimal logging interface the registry needs.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Debug(msg string, keysAndValues ...any)
}

// entry pairs the parsed card with the raw document patches apply to.
type entry struct {
	card     protocol.AgentCard
	raw      []byte
	lastSeen time.Time
}

// Registry is the TTL-pruned agent card store. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	ttl           time.Duration
	sweepInterval time.Duration
	log           Logger
}

// New creates a registry whose entries expire after ttl without a refresh.
func New(ttl time.Duration, log Logger) *Registry {
	return &Registry{
		entries:       make(map[string]*entry),
		ttl:           ttl,
		sweepInterval: ttl / 4,
		log:           log,
	}
}

// Ingest stores a full card announcement. The raw document is kept verbatim
// so later patches can address fields the typed view does not model.
func (r *Registry) Ingest(raw []byte) error {
	var card protocol.AgentCard
	if err := json.Unmarshal(raw, &card); err != nil {
		return fmt.Errorf("malformed agent card: %w", err)
	}
	if card.Name == "" {
		return fmt.Errorf("agent card has no name")
	}
	if card.URL != "" && !strings.HasPrefix(card.URL, "http://") && !strings.HasPrefix(card.URL, "https://") {
		return fmt.Errorf("agent card %q has unsupported url %q", card.Name, card.URL)
	}

	doc := make([]byte, len(raw))
	copy(doc, raw)

	r.mu.Lock()
	_, known := r.entries[card.Name]
	r.entries[card.Name] = &entry{card: card, raw: doc, lastSeen: time.Now()}
	r.mu.Unlock()

	if !known {
		r.log.Info("agent registered", "agent", card.Name, "skills", len(card.Skills))
	} else {
		r.log.Debug("agent card refreshed", "agent", card.Name)
	}
	return nil
}

// ApplyPatch applies an incremental card update to the stored document.
func (r *Registry) ApplyPatch(p *protocol.CardPatch) error {
	if p.Name == "" {
		return fmt.Errorf("card patch has no agent name")
	}
	if err := validatePatchOps(p.Patch); err != nil {
		return fmt.Errorf("card patch for %q rejected: %w", p.Name, err)
	}

	patch, err := jsonpatch.DecodePatch(p.Patch)
	if err != nil {
		return fmt.Errorf("card patch for %q undecodable: %w", p.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[p.Name]
	if !ok {
		return fmt.Errorf("card patch for unknown agent %q", p.Name)
	}

	patched, err := patch.Apply(e.raw)
	if err != nil {
		return fmt.Errorf("card patch for %q failed to apply: %w", p.Name, err)
	}

	var card protocol.AgentCard
	if err := json.Unmarshal(patched, &card); err != nil {
		return fmt.Errorf("card patch for %q produced an invalid card: %w", p.Name, err)
	}
	if card.Name != p.Name {
		return fmt.Errorf("card patch for %q changed the card name", p.Name)
	}

	e.card = card
	e.raw = patched
	e.lastSeen = time.Now()
	r.log.Debug("agent card patched", "agent", p.Name)
	return nil
}

// Lookup returns an agent's card.
func (r *Registry) Lookup(name string) (protocol.AgentCard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return protocol.AgentCard{}, false
	}
	return e.card, true
}

// Snapshot returns a copy of all known cards keyed by agent name.
func (r *Registry) Snapshot() map[string]protocol.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]protocol.AgentCard, len(r.entries))
	for name, e := range r.entries {
		out[name] = e.card
	}
	return out
}

// Len returns the number of known agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Start runs the expiry sweeper until the context is cancelled.
func (r *Registry) Start(ctx context.Context) error {
	if r.ttl <= 0 {
		<-ctx.Done()
		return nil
	}
	r.log.Info("starting registry sweeper", "ttl", r.ttl.String())
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.prune(now)
		}
	}
}

func (r *Registry) prune(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range r.entries {
		if now.Sub(e.lastSeen) > r.ttl {
			delete(r.entries, name)
			r.log.Warn("agent expired from registry", "agent", name, "last_seen", e.lastSeen.Format(time.RFC3339))
		}
	}
}
