// Package reasoner implements the Reasoner Orchestrator: the end-to-end
// think loop wiring the Market Analyzer, Vector Memory Store, Decision
// Engine, and Risk Analyzer together, and publishing the resulting Intents
// onto the Message Bus.
package reasoner

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/solflux-labs/hft-core/pkg/bus"
	"github.com/solflux-labs/hft-core/pkg/clock"
	"github.com/solflux-labs/hft-core/pkg/config"
	"github.com/solflux-labs/hft-core/pkg/decision"
	"github.com/solflux-labs/hft-core/pkg/market"
	"github.com/solflux-labs/hft-core/pkg/risk"
	"github.com/solflux-labs/hft-core/pkg/types"
	"github.com/solflux-labs/hft-core/pkg/vms"
)

const backpressurePoll = 200 * time.Millisecond

// eventReader is the read side of a bus.Consumer, narrowed to what RO needs.
type eventReader interface {
	Read(ctx context.Context, count int, block time.Duration) ([]bus.Message, error)
	Ack(ctx context.Context, ids ...string) error
}

// publisher is the write side of a bus.Bus, narrowed to what RO needs.
type publisher interface {
	Publish(ctx context.Context, stream string, payload any) (string, error)
	Depth(ctx context.Context, stream string) (int64, error)
}

// analyzer is the Market Analyzer surface RO drives.
type analyzer interface {
	Ingest(evt types.MarketEvent)
	Analyze(symbol string, now time.Time) types.MarketFeatures
	LastPrice(symbol string) (float64, bool)
}

// memory is the Vector Memory Store surface RO drives.
type memory interface {
	Embed(ctx context.Context, digest string) ([]float32, error)
	Search(ctx context.Context, queryVector []float32, k int, symbolFilter string) ([]types.ScoredExperience, error)
	Store(ctx context.Context, exp types.Experience) (string, error)
	UpdateOutcome(ctx context.Context, experienceID string, outcome types.Outcome) error
}

// decider is the Decision Engine surface RO drives.
type decider interface {
	Decide(ctx context.Context, features types.MarketFeatures, hits []types.ScoredExperience, snapshot decision.PortfolioSnapshot, ttl time.Duration) types.Intent
}

// PortfolioSnapshotter gives RO the read-only portfolio state RA and DE need
// without granting it any write access to wallet state. The Wallet Manager
// implements this.
type PortfolioSnapshotter interface {
	Snapshot(ctx context.Context, symbol string) (decision.PortfolioSnapshot, risk.PortfolioSnapshot, types.Limits)
}

// Orchestrator runs the think loop: dequeue -> MA -> VMS search -> DE ->
// RA -> publish, and the companion outcome loop writing terminal results
// back into VMS.
type Orchestrator struct {
	cfg *config.Config
	log zerolog.Logger
	clk clock.Clock

	events    eventReader
	results   eventReader
	publisher publisher

	ma        analyzer
	memory    memory
	decider   decider
	portfolio PortfolioSnapshotter

	topK int

	dedup   *dedupSet
	pending *pendingTracker
}

func newOrchestrator(cfg *config.Config, log zerolog.Logger, clk clock.Clock, events, results eventReader, pub publisher, ma analyzer, mem memory, de decider, portfolio PortfolioSnapshotter) *Orchestrator {
	topK := cfg.VMSTopKDefault
	if topK <= 0 {
		topK = 5
	}
	return &Orchestrator{
		cfg:       cfg,
		log:       log,
		clk:       clk,
		events:    events,
		results:   results,
		publisher: pub,
		ma:        ma,
		memory:    mem,
		decider:   de,
		portfolio: portfolio,
		topK:      topK,
		dedup:     newDedupSet(),
		pending:   newPendingTracker(),
	}
}

// New subscribes to the market_events and execution_results streams under
// the "reasoner" consumer group and returns an Orchestrator ready to Run.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, clk clock.Clock, b *bus.Bus, store *vms.Store, ma *market.Analyzer, de *decision.Engine, portfolio PortfolioSnapshotter, consumerName string) (*Orchestrator, error) {
	events, err := b.Subscribe(ctx, bus.StreamMarketEvents, "reasoner", consumerName)
	if err != nil {
		return nil, err
	}
	results, err := b.Subscribe(ctx, bus.StreamExecutionResults, "reasoner", consumerName)
	if err != nil {
		return nil, err
	}
	return newOrchestrator(cfg, log, clk, events, results, b, ma, store, de, portfolio), nil
}

// Run drives the think loop and the outcome loop concurrently until ctx is
// cancelled. Each loop finishes its in-flight iteration before exiting; no
// intent is ever left half-published.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.runThinkLoop(ctx) })
	g.Go(func() error { return o.runOutcomeLoop(ctx) })
	return g.Wait()
}

func (o *Orchestrator) runThinkLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := o.waitForCapacity(ctx); err != nil {
			return err
		}
		msgs, err := o.events.Read(ctx, 1, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.log.Error().Err(err).Msg("market event read failed")
			continue
		}
		for _, m := range msgs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.processEvent(ctx, m)
		}
	}
}

func (o *Orchestrator) runOutcomeLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := o.results.Read(ctx, 20, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.log.Error().Err(err).Msg("execution result read failed")
			continue
		}
		for _, m := range msgs {
			o.processResult(ctx, m)
		}
	}
}

// waitForCapacity throttles ingress consumption while the intents stream is
// backed up beyond the configured high-water mark. It never drops an event;
// it simply declines to dequeue the next one yet.
func (o *Orchestrator) waitForCapacity(ctx context.Context) error {
	logged := false
	for {
		depth, err := o.publisher.Depth(ctx, bus.StreamTradingIntents)
		if err != nil {
			o.log.Warn().Err(err).Msg("intents depth check failed, proceeding without back-pressure gate")
			return nil
		}
		if depth < int64(o.cfg.IngressHighWater) {
			return nil
		}
		if !logged {
			o.log.Warn().Int64("depth", depth).Msg("back-pressure: throttling ingress consumption")
			logged = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backpressurePoll):
		}
	}
}

func (o *Orchestrator) processEvent(ctx context.Context, msg bus.Message) {
	var evt types.MarketEvent
	if err := msg.Decode(&evt); err != nil {
		o.log.Error().Err(err).Str("msg_id", msg.ID).Msg("undecodable market event, acking and skipping")
		o.ack(ctx, o.events, msg.ID)
		return
	}
	if !evt.Kind.Valid() {
		o.log.Warn().Str("kind", string(evt.Kind)).Msg("unrecognized market event kind, acking and skipping")
		o.ack(ctx, o.events, msg.ID)
		return
	}
	if o.dedup.seenBefore(evt.EventID) {
		o.ack(ctx, o.events, msg.ID)
		return
	}

	o.ma.Ingest(evt)
	now := o.clk.Now()
	features := o.ma.Analyze(evt.Symbol, now)

	digest := decision.SituationDigest(features)
	embedding, embedErr := o.memory.Embed(ctx, digest)
	if embedErr != nil {
		o.log.Warn().Err(embedErr).Msg("vms embed failed, degrading to empty context")
	}

	hits := o.searchMemory(ctx, evt.Symbol, embedding)

	decisionSnap, riskSnap, limits := o.portfolio.Snapshot(ctx, evt.Symbol)

	candidate := o.decider.Decide(ctx, features, hits, decisionSnap, o.cfg.IntentTTL)

	referencePrice, _ := o.ma.LastPrice(evt.Symbol)
	result := risk.Assess(candidate, features, riskSnap, limits, o.cfg.RiskWeights, o.cfg.MinDecisionConfidence, referencePrice)
	if result.Vetoed {
		o.log.Info().Str("symbol", evt.Symbol).Str("veto", result.VetoReason).Msg("veto: not publishing")
		o.ack(ctx, o.events, msg.ID)
		return
	}

	intent := result.Intent
	intent.IntentID = uuid.NewString()
	intent.CreatedAt = now
	intent.TTL = o.cfg.IntentTTL

	if experienceID := o.recordExperience(ctx, evt.Symbol, features, digest, embedding, intent); experienceID != "" {
		intent.ExperienceID = experienceID
	}

	if err := o.publishWithRetry(ctx, intent); err != nil {
		// Only ctx cancellation breaks out of publishWithRetry's internal
		// retry; the event is not acked so it redelivers after restart.
		o.log.Warn().Err(err).Str("intent_id", intent.IntentID).Msg("shutting down before publish completed")
		return
	}

	if intent.ExperienceID != "" {
		o.pending.track(intent.IntentID, intent.ExperienceID, now, o.cfg.IntentTTL*4)
	}
	o.ack(ctx, o.events, msg.ID)
}

func (o *Orchestrator) searchMemory(ctx context.Context, symbol string, embedding []float32) []types.ScoredExperience {
	if embedding == nil {
		return nil
	}
	hits, err := o.memory.Search(ctx, embedding, o.topK, symbol)
	if err != nil {
		o.log.Warn().Err(err).Msg("vms search failed, degrading to empty context")
		return nil
	}
	return hits
}

func (o *Orchestrator) recordExperience(ctx context.Context, symbol string, features types.MarketFeatures, digest string, embedding []float32, intent types.Intent) string {
	if embedding == nil {
		return ""
	}
	exp := types.Experience{
		ExperienceID: uuid.NewString(),
		Embedding:    embedding,
		Situation:    types.Situation{Symbol: symbol, Features: features, Digest: digest},
		Decision: types.Decision{
			Action:     intent.Action,
			Quantity:   intent.Quantity,
			Confidence: intent.Confidence,
			Reasoning:  intent.Reasoning,
		},
	}
	id, err := o.memory.Store(ctx, exp)
	if err != nil {
		o.log.Warn().Err(err).Msg("vms store failed, experience not recorded")
		return ""
	}
	return id
}

// publishWithRetry blocks until the intent is durably published, retrying
// with exponential backoff on failure. Publication is the point of no
// return: RO never drops an intent silently.
func (o *Orchestrator) publishWithRetry(ctx context.Context, intent types.Intent) error {
	backoff := time.Duration(o.cfg.RetryBackoffBaseMS) * time.Millisecond
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	const maxBackoff = 5 * time.Second
	for {
		if _, err := o.publisher.Publish(ctx, bus.StreamTradingIntents, intent); err != nil {
			o.log.Error().Err(err).Str("intent_id", intent.IntentID).Msg("intent publish failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

func (o *Orchestrator) processResult(ctx context.Context, msg bus.Message) {
	var res types.ExecutionResult
	if err := msg.Decode(&res); err != nil {
		o.log.Error().Err(err).Str("msg_id", msg.ID).Msg("undecodable execution result, acking and skipping")
		o.ack(ctx, o.results, msg.ID)
		return
	}

	if experienceID, ok := o.pending.take(res.IntentID); ok {
		outcome := types.Outcome{
			Status:               res.Status,
			RealizedSlippageBps:  res.RealizedSlippageBps,
			FeesPaid:             res.FeesPaid,
			Final:                true,
		}
		if err := o.memory.UpdateOutcome(ctx, experienceID, outcome); err != nil && !errors.Is(err, vms.ErrNotFound) && !errors.Is(err, vms.ErrAlreadyFinalized) {
			o.log.Error().Err(err).Str("experience_id", experienceID).Msg("update_outcome failed")
		}
	}
	o.ack(ctx, o.results, msg.ID)
}

func (o *Orchestrator) ack(ctx context.Context, r eventReader, id string) {
	if err := r.Ack(ctx, id); err != nil {
		o.log.Error().Err(err).Str("msg_id", id).Msg("ack failed")
	}
}
