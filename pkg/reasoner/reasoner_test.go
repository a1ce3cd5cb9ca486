package reasoner

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/solflux-labs/hft-core/pkg/bus"
	"github.com/solflux-labs/hft-core/pkg/clock"
	"github.com/solflux-labs/hft-core/pkg/config"
	"github.com/solflux-labs/hft-core/pkg/decision"
	"github.com/solflux-labs/hft-core/pkg/risk"
	"github.com/solflux-labs/hft-core/pkg/types"
)

// fakeQueue is a minimal in-memory eventReader/publisher double.
type fakeQueue struct {
	mu      sync.Mutex
	pending []bus.Message
	acked   []string
	seq     int
}

func (q *fakeQueue) enqueue(payload any) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		panic(err)
	}
	q.mu.Lock()
	q.seq++
	q.pending = append(q.pending, bus.Message{ID: strconv.Itoa(q.seq), Raw: raw})
	q.mu.Unlock()
}

func (q *fakeQueue) Read(ctx context.Context, count int, block time.Duration) ([]bus.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	n := count
	if n > len(q.pending) {
		n = len(q.pending)
	}
	out := q.pending[:n]
	q.pending = q.pending[n:]
	return out, nil
}

func (q *fakeQueue) Ack(ctx context.Context, ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, ids...)
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []types.Intent
}

func (p *fakePublisher) Publish(ctx context.Context, stream string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if intent, ok := payload.(types.Intent); ok {
		p.published = append(p.published, intent)
	}
	return "1-0", nil
}

func (p *fakePublisher) Depth(ctx context.Context, stream string) (int64, error) {
	return 0, nil
}

func (p *fakePublisher) snapshot() []types.Intent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.Intent(nil), p.published...)
}

type fakeAnalyzer struct {
	features types.MarketFeatures
	price    float64
	hasPrice bool
}

func (f *fakeAnalyzer) Ingest(evt types.MarketEvent)                                 {}
func (f *fakeAnalyzer) Analyze(symbol string, now time.Time) types.MarketFeatures     { return f.features }
func (f *fakeAnalyzer) LastPrice(symbol string) (float64, bool)                      { return f.price, f.hasPrice }

type fakeMemory struct {
	stored []types.Experience
}

func (m *fakeMemory) Embed(ctx context.Context, digest string) ([]float32, error) {
	return []float32{1, 0}, nil
}
func (m *fakeMemory) Search(ctx context.Context, queryVector []float32, k int, symbolFilter string) ([]types.ScoredExperience, error) {
	return nil, nil
}
func (m *fakeMemory) Store(ctx context.Context, exp types.Experience) (string, error) {
	m.stored = append(m.stored, exp)
	return exp.ExperienceID, nil
}
func (m *fakeMemory) UpdateOutcome(ctx context.Context, experienceID string, outcome types.Outcome) error {
	return nil
}

type fakeDecider struct {
	intent types.Intent
}

func (d *fakeDecider) Decide(ctx context.Context, features types.MarketFeatures, hits []types.ScoredExperience, snapshot decision.PortfolioSnapshot, ttl time.Duration) types.Intent {
	return d.intent
}

type fakePortfolio struct{}

func (fakePortfolio) Snapshot(ctx context.Context, symbol string) (decision.PortfolioSnapshot, risk.PortfolioSnapshot, types.Limits) {
	return decision.PortfolioSnapshot{}, risk.PortfolioSnapshot{}, types.Limits{MaxPosition: 10, DailyLossCap: 100}
}

func testConfig() *config.Config {
	return &config.Config{
		IntentTTL:             time.Second,
		IngressHighWater:      1000,
		VMSTopKDefault:        5,
		MinDecisionConfidence: 0.5,
		RiskWeights:           config.RiskWeights{Market: 0.2, Position: 0.2, Portfolio: 0.2, Correlation: 0.2, Execution: 0.2},
		RetryBackoffBaseMS:    5,
	}
}

func TestProcessEventPublishesBuyIntentAndRecordsExperience(t *testing.T) {
	events := &fakeQueue{}
	results := &fakeQueue{}
	pub := &fakePublisher{}
	mem := &fakeMemory{}
	an := &fakeAnalyzer{features: types.MarketFeatures{Symbol: "SOL/USDC", Confidence: 0.9}, price: 100, hasPrice: true}
	de := &fakeDecider{intent: types.Intent{Symbol: "SOL/USDC", Action: types.ActionBuy, Quantity: 1, Confidence: 0.9}}

	o := newOrchestrator(testConfig(), zerolog.Nop(), clock.Fixed{At: time.Now()}, events, results, pub, an, mem, de, fakePortfolio{})

	msg := bus.Message{ID: "1"}
	evt := types.MarketEvent{EventID: "e1", Symbol: "SOL/USDC", Kind: types.EventKindPrice, Payload: map[string]any{}}
	raw, err := msgpack.Marshal(evt)
	require.NoError(t, err)
	msg.Raw = raw

	o.processEvent(context.Background(), msg)

	published := pub.snapshot()
	require.Len(t, published, 1)
	require.Equal(t, types.ActionBuy, published[0].Action)
	require.NotEmpty(t, published[0].ExperienceID)
	require.Len(t, mem.stored, 1)
	require.Contains(t, events.acked, "1")
}

func TestProcessEventDedupsEventID(t *testing.T) {
	events := &fakeQueue{}
	results := &fakeQueue{}
	pub := &fakePublisher{}
	mem := &fakeMemory{}
	an := &fakeAnalyzer{features: types.MarketFeatures{Symbol: "SOL/USDC", Confidence: 0.9}}
	de := &fakeDecider{intent: types.Intent{Symbol: "SOL/USDC", Action: types.ActionBuy, Quantity: 1, Confidence: 0.9}}

	o := newOrchestrator(testConfig(), zerolog.Nop(), clock.Fixed{At: time.Now()}, events, results, pub, an, mem, de, fakePortfolio{})

	evt := types.MarketEvent{EventID: "dup", Symbol: "SOL/USDC", Kind: types.EventKindPrice}
	raw, err := msgpack.Marshal(evt)
	require.NoError(t, err)

	o.processEvent(context.Background(), bus.Message{ID: "1", Raw: raw})
	o.processEvent(context.Background(), bus.Message{ID: "2", Raw: raw})

	require.Len(t, pub.snapshot(), 1)
}

func TestProcessEventVetoDoesNotPublish(t *testing.T) {
	events := &fakeQueue{}
	results := &fakeQueue{}
	pub := &fakePublisher{}
	mem := &fakeMemory{}
	an := &fakeAnalyzer{features: types.MarketFeatures{Symbol: "SOL/USDC", Confidence: 0.2}}
	de := &fakeDecider{intent: types.Intent{Symbol: "SOL/USDC", Action: types.ActionBuy, Quantity: 1, Confidence: 0.4}}

	o := newOrchestrator(testConfig(), zerolog.Nop(), clock.Fixed{At: time.Now()}, events, results, pub, an, mem, de, fakePortfolio{})

	evt := types.MarketEvent{EventID: "e1", Symbol: "SOL/USDC", Kind: types.EventKindPrice}
	raw, err := msgpack.Marshal(evt)
	require.NoError(t, err)

	o.processEvent(context.Background(), bus.Message{ID: "1", Raw: raw})

	require.Empty(t, pub.snapshot())
	require.Contains(t, events.acked, "1")
}

func TestProcessResultWritesOutcomeForTrackedIntent(t *testing.T) {
	events := &fakeQueue{}
	results := &fakeQueue{}
	pub := &fakePublisher{}
	mem := &fakeMemory{}
	an := &fakeAnalyzer{}
	de := &fakeDecider{}

	o := newOrchestrator(testConfig(), zerolog.Nop(), clock.Fixed{At: time.Now()}, events, results, pub, an, mem, de, fakePortfolio{})
	o.pending.track("intent-1", "exp-1", time.Now(), time.Hour)

	res := types.ExecutionResult{IntentID: "intent-1", Status: types.ExecExecuted}
	raw, err := msgpack.Marshal(res)
	require.NoError(t, err)

	o.processResult(context.Background(), bus.Message{ID: "1", Raw: raw})

	_, stillTracked := o.pending.take("intent-1")
	require.False(t, stillTracked)
	require.Contains(t, results.acked, "1")
}

func TestWaitForCapacityReturnsImmediatelyUnderHighWater(t *testing.T) {
	o := newOrchestrator(testConfig(), zerolog.Nop(), clock.Fixed{At: time.Now()}, &fakeQueue{}, &fakeQueue{}, &fakePublisher{}, &fakeAnalyzer{}, &fakeMemory{}, &fakeDecider{}, fakePortfolio{})
	require.NoError(t, o.waitForCapacity(context.Background()))
}
