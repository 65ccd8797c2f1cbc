package subscribe

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrServerShuttingDown is an error returned in case the server is in the
// process of shutting down.
var ErrServerShuttingDown = errors.New("subscription server shutting down")

// clientQueueSize is the initial buffer of every client's update queue.
const clientQueueSize = 20

// Client is used to get notified about updates the caller has subscribed to.
type Client[T any] struct {
	// cancel should be called in case the client no longer wants to
	// subscribe for updates from the server.
	cancel func()

	updates *fn.ConcurrentQueue[T]
	quit    chan struct{}
}

// Updates returns a read-only channel where the updates the client has
// subscribed to will be delivered.
func (c *Client[T]) Updates() <-chan T {
	return c.updates.ChanOut()
}

// Quit is a channel that will be closed in case the server decides to no
// longer deliver updates to this client.
func (c *Client[T]) Quit() <-chan struct{} {
	return c.quit
}

// Cancel ends the subscription. Calling it more than once is a no-op.
func (c *Client[T]) Cancel() {
	c.cancel()
}

// Server manages the subscriptions of a single event type. Every update is
// delivered, in order, to all clients active at the time it is sent.
type Server[T any] struct {
	clientCounter uint64 // To be used atomically.
	numClients    int32  // To be used atomically.

	started uint32 // To be used atomically.
	stopped uint32 // To be used atomically.

	// name is the event name this server publishes, used in logs.
	name string

	clients       map[uint64]*Client[T]
	clientUpdates chan *clientUpdate[T]

	updates chan T

	quit chan struct{}
	wg   sync.WaitGroup
}

// clientUpdate is an internal message sent to the subscriptionHandler to
// either register a new client for subscription or cancel an existing
// subscription.
type clientUpdate[T any] struct {
	// cancel indicates if the update to the client is cancelling an
	// existing client's subscription. If not then this update will be to
	// subscribe a new client.
	cancel bool

	// clientID is the unique identifier for this client.
	clientID uint64

	// client is the new client that will receive updates. Will be nil in
	// case this is a cancellation update.
	client *Client[T]
}

// NewServer returns a new Server publishing the named event.
func NewServer[T any](name string) *Server[T] {
	return &Server[T]{
		name:          name,
		clients:       make(map[uint64]*Client[T]),
		clientUpdates: make(chan *clientUpdate[T]),
		updates:       make(chan T),
		quit:          make(chan struct{}),
	}
}

// Name returns the event name published by the server.
func (s *Server[T]) Name() string {
	return s.name
}

// Start starts the Server, making it ready to accept subscriptions and
// updates.
func (s *Server[T]) Start() error {
	if !atomic.CompareAndSwapUint32(&s.started, 0, 1) {
		return nil
	}

	log.Tracef("Starting subscription server for %v", s.name)

	s.wg.Add(1)
	go s.subscriptionHandler()

	return nil
}

// Stop stops the server.
func (s *Server[T]) Stop() error {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return nil
	}

	close(s.quit)
	s.wg.Wait()

	return nil
}

// Subscribe returns a Client that will receive updates any time the Server is
// made aware of a new event.
func (s *Server[T]) Subscribe() (*Client[T], error) {
	// We'll first atomically obtain the next ID for this client from the
	// incrementing client ID counter.
	clientID := atomic.AddUint64(&s.clientCounter, 1)

	var cancelOnce sync.Once
	client := &Client[T]{
		updates: fn.NewConcurrentQueue[T](clientQueueSize),
		quit:    make(chan struct{}),
		cancel: func() {
			cancelOnce.Do(func() {
				fn.SendOrQuit(s.clientUpdates, &clientUpdate[T]{
					cancel:   true,
					clientID: clientID,
				}, s.quit)
			})
		},
	}

	ok := fn.SendOrQuit(s.clientUpdates, &clientUpdate[T]{
		clientID: clientID,
		client:   client,
	}, s.quit)
	if !ok {
		return nil, ErrServerShuttingDown
	}

	return client, nil
}

// SendUpdate is called to send the passed update to all currently active
// subscription clients.
func (s *Server[T]) SendUpdate(update T) error {
	if !fn.SendOrQuit(s.updates, update, s.quit) {
		return ErrServerShuttingDown
	}

	return nil
}

// NumClients returns the number of currently registered clients.
func (s *Server[T]) NumClients() int {
	return int(atomic.LoadInt32(&s.numClients))
}

// subscriptionHandler owns the client set. It registers and cancels clients
// and fans every update out to the clients registered when it arrived.
//
// NOTE: MUST be run as a goroutine.
func (s *Server[T]) subscriptionHandler() {
	defer s.wg.Done()
	defer s.dropClients()

	for {
		select {
		case update := <-s.clientUpdates:
			if update.cancel {
				s.dropClient(update.clientID)
				continue
			}

			update.client.updates.Start()
			s.clients[update.clientID] = update.client
			atomic.StoreInt32(&s.numClients, int32(len(s.clients)))

			log.Debugf("Client %d subscribed to %v", update.clientID,
				s.name)

		case upd := <-s.updates:
			if !s.broadcast(upd) {
				return
			}

		case <-s.quit:
			return
		}
	}
}

// broadcast hands the update to every client queue. A client that quits
// while we wait on it is skipped. It returns false if the server is shutting
// down.
func (s *Server[T]) broadcast(upd T) bool {
	for _, client := range s.clients {
		select {
		case client.updates.ChanIn() <- upd:
		case <-client.quit:
		case <-s.quit:
			return false
		}
	}

	return true
}

// dropClient stops the client's queue and signals its quit channel. Unknown
// IDs are ignored so a cancel racing with shutdown is harmless.
func (s *Server[T]) dropClient(clientID uint64) {
	client, ok := s.clients[clientID]
	if !ok {
		return
	}

	delete(s.clients, clientID)
	atomic.StoreInt32(&s.numClients, int32(len(s.clients)))

	client.updates.Stop()
	close(client.quit)

	log.Debugf("Client %d unsubscribed from %v", clientID, s.name)
}

// dropClients releases every remaining client on shutdown.
func (s *Server[T]) dropClients() {
	for clientID := range s.clients {
		s.dropClient(clientID)
	}
}
