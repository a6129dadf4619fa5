package contractnotifier

import (
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
)

// EventType names the contract lifecycle events observers can receive.
type EventType string

const (
	// EventMatched fires when the House funds its side of a contract.
	EventMatched EventType = "MATCHED"

	// EventActionRequired fires when a won contract awaits the user's
	// completing signature.
	EventActionRequired EventType = "ACTION_REQUIRED"

	// EventSettled fires when a contract reaches a terminal
	// settlement.
	EventSettled EventType = "SETTLED"
)

// Event is one contract lifecycle notification. It serializes directly
// to the JSON wire form observers consume.
type Event struct {
	Type       EventType `json:"type"`
	ContractID int64     `json:"contract_id"`
	TxID       string    `json:"txid,omitempty"`
	TxHex      string    `json:"tx_hex,omitempty"`
	Status     string    `json:"status,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Client receives the events a subscriber has signed up for. Each
// client is backed by its own concurrent queue, so a slow consumer
// never blocks the notifier or other clients.
type Client struct {
	cancel func()

	updates *queue.ConcurrentQueue
	quit    chan struct{}
}

// Updates returns the channel the client's events are delivered on.
func (c *Client) Updates() <-chan interface{} {
	return c.updates.ChanOut()
}

// Quit is closed when the notifier stops delivering to this client.
func (c *Client) Quit() <-chan struct{} {
	return c.quit
}

// Cancel tears down the subscription.
func (c *Client) Cancel() {
	c.cancel()
}

// clientUpdate registers or cancels one client with the handler
// goroutine.
type clientUpdate struct {
	cancel   bool
	clientID uint64
	client   *Client
}

// Notifier fans contract events out to all active subscribers.
// Delivery is best effort and at most once per event: an event sent
// while the notifier is down, or to a departed client, is dropped, and
// publishing never blocks or fails the settlement operation that
// triggered it.
type Notifier struct {
	clientCounter uint64 // To be used atomically.

	started uint32 // To be used atomically.
	stopped uint32 // To be used atomically.

	clients       map[uint64]*Client
	clientUpdates chan *clientUpdate

	events chan Event

	quit chan struct{}
	wg   sync.WaitGroup
}

// New returns a new Notifier.
func New() *Notifier {
	return &Notifier{
		clients:       make(map[uint64]*Client),
		clientUpdates: make(chan *clientUpdate),
		events:        make(chan Event),
		quit:          make(chan struct{}),
	}
}

// Start launches the notifier's dispatch goroutine.
func (n *Notifier) Start() error {
	if !atomic.CompareAndSwapUint32(&n.started, 0, 1) {
		return nil
	}

	n.wg.Add(1)
	go n.dispatchHandler()

	return nil
}

// Stop signals the notifier for a graceful shutdown.
func (n *Notifier) Stop() {
	if !atomic.CompareAndSwapUint32(&n.stopped, 0, 1) {
		return
	}

	close(n.quit)
	n.wg.Wait()
}

// Subscribe returns a Client that will receive every event published
// after registration.
func (n *Notifier) Subscribe() (*Client, error) {
	clientID := atomic.AddUint64(&n.clientCounter, 1)

	client := &Client{
		updates: queue.NewConcurrentQueue(20),
		quit:    make(chan struct{}),
		cancel: func() {
			select {
			case n.clientUpdates <- &clientUpdate{
				cancel:   true,
				clientID: clientID,
			}:
			case <-n.quit:
			}
		},
	}

	select {
	case n.clientUpdates <- &clientUpdate{
		clientID: clientID,
		client:   client,
	}:
	case <-n.quit:
		return nil, ErrNotifierShuttingDown
	}

	return client, nil
}

// Notify publishes an event to all active clients. It never blocks: if
// the notifier is shutting down the event is dropped.
func (n *Notifier) Notify(event Event) {
	select {
	case n.events <- event:
	case <-n.quit:
		log.Debugf("Dropping %v event for contract %d: "+
			"notifier stopped", event.Type, event.ContractID)
	}
}

// dispatchHandler is the single goroutine owning the client set. It
// applies subscription changes and forwards events to every active
// client's queue.
//
// NOTE: MUST be run as a goroutine.
func (n *Notifier) dispatchHandler() {
	defer n.wg.Done()

	for {
		select {
		case update := <-n.clientUpdates:
			clientID := update.clientID

			if update.cancel {
				client, ok := n.clients[clientID]
				if ok {
					client.updates.Stop()
					close(client.quit)
					delete(n.clients, clientID)
				}

				continue
			}

			update.client.updates.Start()
			n.clients[clientID] = update.client

		case event := <-n.events:
			log.Debugf("Dispatching %v event for contract %d "+
				"to %d client(s)", event.Type,
				event.ContractID, len(n.clients))

			for _, client := range n.clients {
				select {
				case client.updates.ChanIn() <- event:
				case <-client.quit:
				case <-n.quit:
					return
				}
			}

		case <-n.quit:
			for _, client := range n.clients {
				client.updates.Stop()
				close(client.quit)
			}
			return
		}
	}
}
