// Package events implements C10: the event bus §4.8 describes. Writes
// to submissions, repos, tags, and results publish an event; the bus
// matches it against every group's pipeline triggers and creates a new
// reaction for each match, carrying trigger_depth forward so cascades
// are bounded.
//
// Grounded on the teacher's internal/controlplane/events.Bus shape (a
// mutex-free fan-out type wrapping a small set of collaborators), but
// generalised from a pure pub/sub (subscribe/publish channels) into a
// publish-and-react bus, since §4.8 has exactly one kind of subscriber
// (the trigger watcher) rather than arbitrary fan-out consumers.
package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/thorium-go/thorium/internal/apierr"
	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/reactions"
	"github.com/thorium-go/thorium/internal/rowstore"
)

// PipelineSource enumerates a group's registered pipelines so every
// trigger can be tested against an incoming event. Satisfied by
// internal/catalog.Store.
type PipelineSource interface {
	PipelinesForGroup(ctx context.Context, group string) ([]*domain.Pipeline, error)
}

// ReactionCreator starts a new reaction; satisfied by
// *reactions.Engine.
type ReactionCreator interface {
	Create(ctx context.Context, req reactions.CreateRequest) (string, error)
}

// TagLookup resolves whether a target carries the tags a trigger's
// filter requires, the narrow slice of tags.Store this package needs.
type TagLookup interface {
	List(ctx context.Context, typ domain.TargetKind, groups []string, byKey map[string][]string, limit int) ([]rowstore.TagRow, error)
}

// targetKindFor maps an event kind to the tag target kind a
// TagFilter's lookup must query, when the mapping is knowable.
func targetKindFor(kind domain.EventKind) (domain.TargetKind, bool) {
	switch kind {
	case domain.EventNewSample:
		return domain.TargetSample, true
	case domain.EventNewRepo:
		return domain.TargetRepo, true
	case domain.EventNewResult:
		return domain.TargetResult, true
	default:
		return "", false
	}
}

// Bus is the C10 event bus.
type Bus struct {
	pipelines       PipelineSource
	reactor         ReactionCreator
	tags            TagLookup
	maxTriggerDepth int
	logger          *zap.Logger
}

// New builds an event bus over its collaborators. maxTriggerDepth is
// the same §4.8 "configured_max" ceiling the reaction engine enforces
// on Create; tags may be nil, in which case triggers carrying a
// TagFilter never match.
func New(pipelines PipelineSource, reactor ReactionCreator, tags TagLookup, maxTriggerDepth int, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{pipelines: pipelines, reactor: reactor, tags: tags, maxTriggerDepth: maxTriggerDepth, logger: logger}
}

// Publish implements the §4.8 sink interface submissions.EventPublisher
// and results.EventPublisher declare locally. An event whose own
// trigger_depth has already reached configured_max is logged at debug
// level and never matched against triggers — "reactions refuse to emit further
// events when trigger_depth >= configured_max".
func (b *Bus) Publish(ctx context.Context, event domain.Event) error {
	if b.maxTriggerDepth > 0 && event.TriggerDepth >= b.maxTriggerDepth {
		b.logger.Debug("event suppressed: trigger depth at ceiling",
			zap.String("kind", string(event.Kind)), zap.String("target", event.Target), zap.Int("depth", event.TriggerDepth))
		return nil
	}

	for _, group := range event.Groups {
		pipelines, err := b.pipelines.PipelinesForGroup(ctx, group)
		if err != nil {
			return apierr.Internal(err, "events: publish: list pipelines for %s", group)
		}
		for _, pl := range pipelines {
			for _, trig := range pl.Triggers {
				if trig.EventKind != string(event.Kind) {
					continue
				}
				matched, err := b.matchesFilter(ctx, event, trig.TagFilter)
				if err != nil {
					return err
				}
				if !matched {
					continue
				}
				if _, err := b.reactor.Create(ctx, reactions.CreateRequest{
					Group:        group,
					Pipeline:     pl.Name,
					Creator:      "event-bus",
					Samples:      samplesFor(event),
					TriggerDepth: event.TriggerDepth + 1,
				}); err != nil {
					return apierr.Internal(err, "events: publish: create reaction for trigger %s/%s", group, pl.Name)
				}
			}
		}
	}
	return nil
}

// matchesFilter reports whether event satisfies a trigger's tag
// filter. An empty filter always matches. A filter on an event kind
// with no known tag target kind never matches, since there is nothing
// to look the tags up against.
func (b *Bus) matchesFilter(ctx context.Context, event domain.Event, filter map[string]string) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}
	if b.tags == nil {
		return false, nil
	}
	typ, ok := targetKindFor(event.Kind)
	if !ok {
		return false, nil
	}
	byKey := make(map[string][]string, len(filter))
	for k, v := range filter {
		byKey[k] = []string{v}
	}
	rows, err := b.tags.List(ctx, typ, event.Groups, byKey, 0)
	if err != nil {
		return false, apierr.Internal(err, "events: match filter: list tags")
	}
	for _, row := range rows {
		if row.Target == event.Target {
			return true, nil
		}
	}
	return false, nil
}

// samplesFor seeds a triggered reaction's Samples field when the
// event that spawned it targets a sample, so the new reaction's
// stage-0 jobs carry the sample forward without the caller needing to
// thread it through separately.
func samplesFor(event domain.Event) []string {
	if event.Kind == domain.EventNewSample {
		return []string{event.Target}
	}
	return nil
}
