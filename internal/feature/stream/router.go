package stream

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"candle_backend/internal/feature/candles/domain/entity"
)

// consumerBuffer is the per-consumer event buffer. A consumer that falls
// further behind loses its oldest buffered event, never the newest.
const consumerBuffer = 100

// Event is one downstream push: a finalized candle, a lightweight ticker
// update between finalizations, or an error notice for the consumer.
type Event struct {
	Type   string
	Candle *entity.Candle // set when Type == "candle"
	Tick   *entity.Tick   // set when Type == "ticker"
	Err    string         // set when Type == "error"
}

// Upstream controls the exchange-side subscription for a symbol. The router
// opens it on the first interested consumer and closes it on the last.
type Upstream interface {
	Subscribe(symbol string) error
	Unsubscribe(symbol string) error
}

// Aggregators starts and stops candle aggregation per (symbol, granularity)
// pair.
type Aggregators interface {
	Activate(symbol string, g entity.Granularity) error
	Deactivate(symbol string, g entity.Granularity)
}

type subKey struct {
	symbol string
	gran   entity.Granularity
}

// Consumer is one downstream client registration. Events are read from
// Events(); the channel closes when the consumer is removed.
type Consumer struct {
	ID    string
	ch    chan Event
	pairs map[subKey]struct{}
}

// Events returns the consumer's event channel.
func (c *Consumer) Events() <-chan Event {
	return c.ch
}

// Router owns the subscription state of the live pipeline. Reference counts
// per symbol drive exactly one upstream subscription each, reference counts
// per (symbol, granularity) drive which aggregators run, and closed candles
// and ticker updates fan out to every interested consumer.
type Router struct {
	upstream Upstream
	aggs     Aggregators

	mu         sync.Mutex
	consumers  map[string]*Consumer
	pairRefs   map[subKey]int
	symbolRefs map[string]int
}

// NewRouter creates a Router over the given upstream feed and aggregator
// registry.
func NewRouter(upstream Upstream, aggs Aggregators) *Router {
	return &Router{
		upstream:   upstream,
		aggs:       aggs,
		consumers:  make(map[string]*Consumer),
		pairRefs:   make(map[subKey]int),
		symbolRefs: make(map[string]int),
	}
}

// Register adds a downstream consumer and returns it. The caller must
// eventually call Remove.
func (r *Router) Register() *Consumer {
	c := &Consumer{
		ID:    uuid.NewString(),
		ch:    make(chan Event, consumerBuffer),
		pairs: make(map[subKey]struct{}),
	}
	r.mu.Lock()
	r.consumers[c.ID] = c
	r.mu.Unlock()
	return c
}

// Remove drops a consumer, releasing all its subscriptions and closing its
// event channel.
func (r *Router) Remove(consumerID string) {
	r.mu.Lock()
	c, ok := r.consumers[consumerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.consumers, consumerID)
	for key := range c.pairs {
		r.releaseLocked(key)
	}
	r.mu.Unlock()
	close(c.ch)
}

// Subscribe attaches a consumer to one (symbol, granularity) series. The
// first subscription of a pair activates its aggregator; the first
// subscription of a symbol opens the upstream feed. A duplicate subscribe by
// the same consumer is a no-op.
func (r *Router) Subscribe(consumerID, symbol string, g entity.Granularity) error {
	key := subKey{symbol: symbol, gran: g}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consumers[consumerID]
	if !ok {
		return ErrUnknownConsumer
	}
	if _, ok := c.pairs[key]; ok {
		return nil
	}

	if r.pairRefs[key] == 0 {
		if err := r.aggs.Activate(symbol, g); err != nil {
			return err
		}
	}
	r.pairRefs[key]++

	if r.symbolRefs[symbol] == 0 {
		if err := r.upstream.Subscribe(symbol); err != nil {
			r.pairRefs[key]--
			if r.pairRefs[key] == 0 {
				delete(r.pairRefs, key)
				r.aggs.Deactivate(symbol, g)
			}
			return err
		}
	}
	r.symbolRefs[symbol]++

	c.pairs[key] = struct{}{}
	return nil
}

// Unsubscribe detaches a consumer from one series. The last subscription of
// a pair deactivates its aggregator; the last subscription of a symbol
// closes the upstream feed.
func (r *Router) Unsubscribe(consumerID, symbol string, g entity.Granularity) {
	key := subKey{symbol: symbol, gran: g}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consumers[consumerID]
	if !ok {
		return
	}
	if _, ok := c.pairs[key]; !ok {
		return
	}
	delete(c.pairs, key)
	r.releaseLocked(key)
}

// releaseLocked decrements the pair and symbol reference counts for one
// subscription. Callers must hold r.mu.
func (r *Router) releaseLocked(key subKey) {
	r.pairRefs[key]--
	if r.pairRefs[key] == 0 {
		delete(r.pairRefs, key)
		r.aggs.Deactivate(key.symbol, key.gran)
	}

	r.symbolRefs[key.symbol]--
	if r.symbolRefs[key.symbol] == 0 {
		delete(r.symbolRefs, key.symbol)
		if err := r.upstream.Unsubscribe(key.symbol); err != nil {
			slog.Warn("failed to close upstream subscription",
				"symbol", key.symbol, "error", err)
		}
	}
}

// NotifyError queues an error notice on one consumer's event channel. Going
// through the channel keeps the transport's write loop the only writer on the
// connection.
func (r *Router) NotifyError(consumerID, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consumers[consumerID]
	if !ok {
		return
	}
	r.deliverLocked(c, Event{Type: FrameTypeError, Err: msg})
}

// PublishCandle fans a finalized candle out to every consumer of its series.
func (r *Router) PublishCandle(candle entity.Candle) {
	key := subKey{symbol: candle.Symbol, gran: candle.Granularity}
	ev := Event{Type: FrameTypeCandle, Candle: &candle}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.consumers {
		if _, ok := c.pairs[key]; ok {
			r.deliverLocked(c, ev)
		}
	}
}

// PublishTicker fans a ticker update out to every consumer with at least one
// subscription on the tick's symbol.
func (r *Router) PublishTicker(tick entity.Tick) {
	ev := Event{Type: FrameTypeTicker, Tick: &tick}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.consumers {
		for key := range c.pairs {
			if key.symbol == tick.Symbol {
				r.deliverLocked(c, ev)
				break
			}
		}
	}
}

// deliverLocked hands one event to a consumer. A full buffer means the
// consumer is too slow: its oldest buffered event is dropped so the newest
// always lands. Callers must hold r.mu, which serializes all sends.
func (r *Router) deliverLocked(c *Consumer, ev Event) {
	select {
	case c.ch <- ev:
	default:
		slog.Warn("consumer too slow, dropping oldest buffered event", "consumer", c.ID)
		select {
		case <-c.ch:
		default:
		}
		c.ch <- ev
	}
}
