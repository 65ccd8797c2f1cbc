package chainio

import (
	"context"
	"fmt"
	"time"

	"github.com/lightninglabs/qtumsync/qwire"
)

// Dispatcher notifies the consumers of a graph about chain events. Apply
// hooks run in dependency order, reorg hooks run in reverse dependency
// order. A consumer is never interrupted: dispatching waits for each hook to
// return before moving on to the next consumer.
type Dispatcher struct {
	graph *Graph

	// reversed caches the unwind order of the graph.
	reversed []Consumer
}

// NewDispatcher returns a dispatcher over the given graph.
func NewDispatcher(graph *Graph) *Dispatcher {
	log.Infof("Dispatcher created with %d consumers", graph.Len())
	for i, c := range graph.order {
		log.Debugf("Consumer[%s] registered at position %d", c.Name(), i)
	}

	return &Dispatcher{
		graph:    graph,
		reversed: graph.Reverse(),
	}
}

// Consumers returns the consumers in apply order.
func (d *Dispatcher) Consumers() []Consumer {
	return d.graph.Order()
}

// DispatchHeaders notifies every consumer that headers caught up.
func (d *Dispatcher) DispatchHeaders(ctx context.Context) error {
	return dispatchSequential(
		"OnHeaders", d.graph.order, func(c Consumer) error {
			return c.OnHeaders(ctx)
		},
	)
}

// DispatchBlock hands the block to every consumer in dependency order.
// Processing stops at the first error, which is returned.
func (d *Dispatcher) DispatchBlock(ctx context.Context, block *qwire.MsgBlock,
	height int32) error {

	log.Tracef("Dispatching block %v at height %d", block.BlockHash(),
		height)

	return dispatchSequential(
		"OnBlock", d.graph.order, func(c Consumer) error {
			return c.OnBlock(ctx, block, height)
		},
	)
}

// DispatchReorg notifies every consumer about the reorg in reverse
// dependency order.
func (d *Dispatcher) DispatchReorg(ctx context.Context,
	event *ReorgEvent) error {

	log.Infof("Dispatching %v", event)

	return dispatchSequential(
		"OnReorg", d.reversed, func(c Consumer) error {
			return c.OnReorg(ctx, event)
		},
	)
}

// DispatchSynced notifies every consumer that the block tip reached the
// header tip.
func (d *Dispatcher) DispatchSynced(ctx context.Context) error {
	return dispatchSequential(
		"OnSynced", d.graph.order, func(c Consumer) error {
			return c.OnSynced(ctx)
		},
	)
}

// dispatchSequential calls notify for each consumer in turn and returns the
// first error, wrapped with the consumer's name.
func dispatchSequential(hook string, consumers []Consumer,
	notify func(Consumer) error) error {

	for _, c := range consumers {
		// Record the time it takes the consumer to process this event.
		start := time.Now()

		if err := notify(c); err != nil {
			log.Errorf("Consumer[%s] failed in %s: %v", c.Name(),
				hook, err)

			return fmt.Errorf("%s got err in %s: %w", c.Name(),
				hook, err)
		}

		log.Tracef("Consumer[%s] processed %s in %v", c.Name(), hook,
			time.Since(start))
	}

	return nil
}
