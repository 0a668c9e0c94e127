// Package extract turns portal notification emails into structured leads.
//
// Each supported portal registers a pure extraction function keyed by the
// sender domains it mails from. Extraction degrades field by field: a
// pattern that does not match leaves its field empty instead of failing.
// An optional text-generation fallback handles formats no portal
// extractor understands.
package extract

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nhle/leadmail/internal/model"
)

// Extractor maps a fetched message to a lead. A nil lead with a nil error
// means the message is not a lead this extractor understands.
type Extractor interface {
	Extract(ctx context.Context, msg model.RawMessage) (*model.Lead, error)
}

// Portal is one sender format. Extract returns nil when the body field the
// format depends on is missing.
type Portal struct {
	// Name is the tag written into Lead.Portal.
	Name string

	// Domains are matched as substrings of the sender's domain.
	Domains []string

	Extract func(msg model.RawMessage) *model.Lead
}

// Registry maps sender domains to portal extractors. Portals are tried in
// registration order.
type Registry struct {
	portals []Portal
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a portal to the registry.
func (r *Registry) Register(p Portal) {
	r.portals = append(r.portals, p)
}

// Portals returns the registered portals in match order.
func (r *Registry) Portals() []Portal {
	out := make([]Portal, len(r.portals))
	copy(out, r.portals)
	return out
}

// Match returns the portal whose domain pattern occurs in the domain of
// the from address.
func (r *Registry) Match(from string) (Portal, bool) {
	domain := strings.ToLower(from)
	if at := strings.LastIndex(domain, "@"); at >= 0 {
		domain = domain[at+1:]
	}
	domain = strings.TrimRight(domain, "> ")
	if domain == "" {
		return Portal{}, false
	}

	for _, p := range r.portals {
		for _, d := range p.Domains {
			if strings.Contains(domain, d) {
				return p, true
			}
		}
	}
	return Portal{}, false
}

// DefaultRegistry returns a registry with every built-in portal.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(ICarros())
	r.Register(ChavesNaMao())
	r.Register(MobiAuto())
	r.Register(UsadosBr())
	r.Register(SoCarrao())
	return r
}

// PortalExtractor dispatches to the registered portal extractor for the
// sender. It performs no I/O.
type PortalExtractor struct {
	registry *Registry
}

// NewPortalExtractor creates a PortalExtractor over r.
func NewPortalExtractor(r *Registry) *PortalExtractor {
	return &PortalExtractor{registry: r}
}

// Extract returns nil for senders no portal is registered for.
func (e *PortalExtractor) Extract(_ context.Context, msg model.RawMessage) (*model.Lead, error) {
	p, ok := e.registry.Match(msg.From)
	if !ok {
		return nil, nil
	}
	return p.Extract(msg), nil
}

// ExtractionError means every configured extractor failed on a message.
// It is distinct from a nil lead, which only means "not a lead".
type ExtractionError struct {
	MessageID string
	Portal    string
	Err       error
}

func (e *ExtractionError) Error() string {
	if e.Portal != "" {
		return fmt.Sprintf("extracting lead from %s (%s): %v", e.MessageID, e.Portal, e.Err)
	}
	return fmt.Sprintf("extracting lead from %s: %v", e.MessageID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Pipeline applies the configured extraction strategy.
type Pipeline struct {
	strategy string
	registry *Registry
	portals  *PortalExtractor
	llm      *LLMExtractor
	log      *zap.Logger
}

// NewPipeline creates the extractor selected by strategy. llm may be nil
// only for the portal strategy.
func NewPipeline(strategy string, registry *Registry, llm *LLMExtractor, log *zap.Logger) (*Pipeline, error) {
	switch strategy {
	case model.StrategyPortal:
	case model.StrategyPortalThenLLM, model.StrategyLLM:
		if llm == nil {
			return nil, fmt.Errorf("extract strategy %q needs an LLM extractor", strategy)
		}
	default:
		return nil, fmt.Errorf("unknown extract strategy %q", strategy)
	}

	return &Pipeline{
		strategy: strategy,
		registry: registry,
		portals:  NewPortalExtractor(registry),
		llm:      llm,
		log:      log.With(zap.String("component", "extract")),
	}, nil
}

// Extract runs the strategy. With portal_then_llm the fallback runs when
// no portal matches or the portal extractor found nothing.
func (p *Pipeline) Extract(ctx context.Context, msg model.RawMessage) (*model.Lead, error) {
	var hint string
	if portal, ok := p.registry.Match(msg.From); ok {
		hint = portal.Name
	}

	switch p.strategy {
	case model.StrategyLLM:
		return p.llm.ExtractWithHint(ctx, msg, hint)

	case model.StrategyPortalThenLLM:
		lead, err := p.portals.Extract(ctx, msg)
		if err != nil {
			return nil, err
		}
		if lead != nil && !lead.IsEmpty() {
			return lead, nil
		}
		p.log.Debug("portal extraction found nothing, using fallback",
			zap.String("message_id", msg.MessageID), zap.String("portal", hint))
		return p.llm.ExtractWithHint(ctx, msg, hint)

	default:
		return p.portals.Extract(ctx, msg)
	}
}
