// Package catalog discovers a source's MCP tools and maintains the
// persistent tool cache the agent loop reads from.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scintilla-hq/scintilla/pkg/broker"
	"github.com/scintilla-hq/scintilla/pkg/mcp"
	"github.com/scintilla-hq/scintilla/pkg/registry"
)

const discoveryTimeout = 30 * time.Second

// Service refreshes tool catalogs over the remote SSE transport or through
// the local-agent broker, and persists them via the source registry.
type Service struct {
	store  *registry.Store
	client *mcp.Client
	broker *broker.Broker
}

func New(store *registry.Store, client *mcp.Client, b *broker.Broker) *Service {
	return &Service{store: store, client: client, broker: b}
}

// Refresh discovers the source's tools and replaces its cached catalog.
// Failures are recorded on the source row and returned.
func (s *Service) Refresh(ctx context.Context, sourceID string) (int, error) {
	source, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	if source == nil {
		return 0, fmt.Errorf("source %s not found", sourceID)
	}

	if err := s.store.SetCacheStatus(ctx, sourceID, registry.CacheStatusCaching, ""); err != nil {
		return 0, err
	}

	var tools []registry.SourceTool
	if source.IsLocal() {
		tools, err = s.discoverLocal(ctx, source)
	} else {
		tools, err = s.discoverRemote(ctx, source)
	}
	if err != nil {
		if statusErr := s.store.SetCacheStatus(ctx, sourceID, registry.CacheStatusError, err.Error()); statusErr != nil {
			slog.Error("failed to record cache error", "source", sourceID, "error", statusErr)
		}
		return 0, err
	}

	if err := s.store.ReplaceTools(ctx, sourceID, tools); err != nil {
		if statusErr := s.store.SetCacheStatus(ctx, sourceID, registry.CacheStatusError, err.Error()); statusErr != nil {
			slog.Error("failed to record cache error", "source", sourceID, "error", statusErr)
		}
		return 0, err
	}

	slog.Info("refreshed tool catalog", "source", sourceID, "name", source.Name, "tools", len(tools))
	return len(tools), nil
}

func (s *Service) discoverRemote(ctx context.Context, source *registry.Source) ([]registry.SourceTool, error) {
	defs, err := s.client.ListTools(ctx, source.ServerURL, source.AuthHeaders)
	if err != nil {
		return nil, fmt.Errorf("failed to discover tools from %s: %w", source.Name, err)
	}
	return toSourceTools(source.ID, defs), nil
}

// discoverLocal runs the discovery protocol through the broker: a
// __discovery__ task is submitted for any agent declaring the source's
// capability, and the agent answers with its tool catalog. Local catalogs
// are populated only by explicit refresh, never on demand at query time.
func (s *Service) discoverLocal(ctx context.Context, source *registry.Source) ([]registry.SourceTool, error) {
	capability := registry.LocalCapability(source.ServerURL)
	if capability == "" {
		return nil, fmt.Errorf("source %s has no capability in URL %s", source.ID, source.ServerURL)
	}

	if _, ok := s.broker.FindAgentForCapability(capability); !ok {
		return nil, fmt.Errorf("no agent registered with capability %q", capability)
	}

	taskID := s.broker.Submit(broker.DiscoveryToolName, map[string]any{"capability": capability}, discoveryTimeout)
	result, ok := s.broker.Wait(ctx, taskID, discoveryTimeout)
	if !ok {
		return nil, fmt.Errorf("discovery timed out waiting for capability %q", capability)
	}
	if !result.Success {
		return nil, fmt.Errorf("discovery failed: %s", result.Error)
	}

	defs, err := parseDiscoveryPayload(result.Result)
	if err != nil {
		return nil, fmt.Errorf("invalid discovery payload from capability %q: %w", capability, err)
	}
	return toSourceTools(source.ID, defs), nil
}

// parseDiscoveryPayload decodes {"tools":[{name, description?, inputSchema?}]}.
// Double-encoded string payloads are JSON-decoded first.
func parseDiscoveryPayload(payload string) ([]mcp.ToolDef, error) {
	raw := []byte(payload)

	var nested string
	if err := json.Unmarshal(raw, &nested); err == nil {
		raw = []byte(nested)
	}

	var body struct {
		Tools []mcp.ToolDef `json:"tools"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	if body.Tools == nil {
		return nil, fmt.Errorf("missing tools array")
	}
	return body.Tools, nil
}

func toSourceTools(sourceID string, defs []mcp.ToolDef) []registry.SourceTool {
	tools := make([]registry.SourceTool, 0, len(defs))
	for _, def := range defs {
		schema := def.Schema
		if schema == nil {
			schema = map[string]any{}
		}
		tools = append(tools, registry.SourceTool{
			SourceID:    sourceID,
			ToolName:    def.Name,
			Description: def.Description,
			Schema:      schema,
			IsActive:    true,
		})
	}
	return tools
}

// RefreshAll refreshes every remote source the user can manage, in parallel.
// Per-source failures are isolated; the first error is returned after all
// refreshes finish.
func (s *Service) RefreshAll(ctx context.Context, userID string) error {
	sources, err := s.store.ListSourcesForUser(ctx, userID, nil, false)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, source := range sources {
		if source.IsLocal() {
			continue
		}
		g.Go(func() error {
			if _, err := s.Refresh(ctx, source.ID); err != nil {
				slog.Warn("source refresh failed", "source", source.ID, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// RefreshCapability refreshes every local source of the user whose URL names
// the capability. Returns the total tools discovered across those sources.
func (s *Service) RefreshCapability(ctx context.Context, userID, capability string) (int, error) {
	sources, err := s.store.ListSourcesForUser(ctx, userID, nil, false)
	if err != nil {
		return 0, err
	}

	total := 0
	matched := false
	for _, source := range sources {
		if !source.IsLocal() || registry.LocalCapability(source.ServerURL) != capability {
			continue
		}
		matched = true
		count, err := s.Refresh(ctx, source.ID)
		if err != nil {
			return total, err
		}
		total += count
	}
	if !matched {
		return 0, fmt.Errorf("no local source registered for capability %q", capability)
	}
	return total, nil
}

// CachedTools returns the active cached tools for the given sources. Only
// sources that are active and fully cached contribute rows.
func (s *Service) CachedTools(ctx context.Context, sourceIDs []string) ([]registry.SourceTool, error) {
	return s.store.ListCachedTools(ctx, sourceIDs)
}
