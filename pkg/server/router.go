package server

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aeolun/relaychat/pkg/protocol"
)

var ErrRecipientNotFound = errors.New("recipient not found")

// Deliverer hands a line to a connection's outbound queue. Evict schedules a
// connection for teardown; it must not block on the evicted connection.
type Deliverer interface {
	Deliver(id ConnID, line string) error
	Evict(id ConnID, reason string)
}

// Router fans lines out to groups and single recipients. It holds no lock
// of its own: membership is snapshotted from the Directory and each
// delivery is a non-blocking enqueue.
type Router struct {
	registry  *Registry
	directory *Directory
	out       Deliverer
	logger    *zap.Logger
	metrics   *Metrics
}

// NewRouter creates a router. logger and metrics may be nil.
func NewRouter(registry *Registry, directory *Directory, out Deliverer, logger *zap.Logger, metrics *Metrics) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry:  registry,
		directory: directory,
		out:       out,
		logger:    logger,
		metrics:   metrics,
	}
}

// Broadcast delivers text to every member of group except excluding and
// returns how many recipients accepted it. A recipient that cannot accept
// the line is evicted; the remaining deliveries still happen.
func (r *Router) Broadcast(text, group string, excluding ConnID) int {
	members := r.directory.MembersOf(group)

	delivered := 0
	for _, id := range members {
		if id == excluding {
			continue
		}
		if err := r.out.Deliver(id, text); err != nil {
			r.deliveryFailed(id, err)
			continue
		}
		delivered++
	}

	r.metrics.ObserveFanout(delivered)
	r.metrics.RecordDelivered(delivered)
	return delivered
}

// DeliverPrivate sends text from sender to the connection holding
// recipientHandle. Both handles are resolved now, so a rename that raced
// ahead of this call is honoured. The sender gets a confirmation or an
// error notice; nobody else sees anything.
func (r *Router) DeliverPrivate(text string, sender ConnID, recipientHandle string) error {
	senderHandle, ok := r.registry.HandleOf(sender)
	if !ok {
		_ = r.Notify(sender, protocol.NoticeChooseFirst)
		return ErrNotRegistered
	}

	recipient, ok := r.registry.Lookup(recipientHandle)
	if !ok {
		_ = r.Notify(sender, protocol.UserNotFound(recipientHandle))
		return fmt.Errorf("%s: %w", recipientHandle, ErrRecipientNotFound)
	}
	recipientName, ok := r.registry.HandleOf(recipient)
	if !ok {
		// Recipient disconnected between the two lookups.
		_ = r.Notify(sender, protocol.UserNotFound(recipientHandle))
		return fmt.Errorf("%s: %w", recipientHandle, ErrRecipientNotFound)
	}

	if err := r.out.Deliver(recipient, protocol.Private(senderHandle, text)); err != nil {
		r.deliveryFailed(recipient, err)
		_ = r.Notify(sender, protocol.SendFailed(recipientHandle))
		return fmt.Errorf("deliver private message to %s: %w", recipientName, err)
	}
	r.metrics.RecordDelivered(1)

	return r.Notify(sender, protocol.PrivateSent(recipientName, text))
}

// Notify delivers a local notice to a single connection
func (r *Router) Notify(id ConnID, text string) error {
	if err := r.out.Deliver(id, text); err != nil {
		r.deliveryFailed(id, err)
		return err
	}
	return nil
}

func (r *Router) deliveryFailed(id ConnID, err error) {
	r.logger.Debug("delivery failed", zap.Uint64("conn", uint64(id)), zap.Error(err))
	r.metrics.RecordDeliveryFailure()
	r.out.Evict(id, err.Error())
}
