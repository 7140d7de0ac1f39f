// Package realtime fans committed messages out to websocket subscribers.
// Connections authenticate during the handshake, before any subscription is
// possible; subscriptions are membership-checked; and delivery within a
// channel follows the committed sequence order.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"forumhall/pkg/federation"
	"forumhall/pkg/types"
)

// DefaultQueueSize is the per-session outbound frame buffer.
const DefaultQueueSize = 64

// maxReorderBuffer bounds how many out-of-order messages a channel holds
// while waiting for a gap to fill. Past this the hub assumes the missing
// sequence number will never arrive and resumes from the lowest buffered
// one.
const maxReorderBuffer = 256

var ErrNotAMember = errors.New("actor is not a member of the channel's group")

// ChannelDirectory is what the hub needs to know about channels: whether an
// actor may subscribe, and how far the channel's committed sequence has
// advanced. Membership is evaluated at subscribe time; an existing
// subscription is not re-checked when membership later changes.
type ChannelDirectory interface {
	IsChannelMember(ctx context.Context, channelID types.ChannelID, actor string) (bool, error)
	CurrentSeq(ctx context.Context, channelID types.ChannelID) (uint64, error)
}

// channelOrder tracks delivery order for one channel. next is the sequence
// number the hub will deliver next; messages arriving ahead of it wait in
// pending.
type channelOrder struct {
	next    uint64
	pending map[uint64]*types.Message
}

// Hub routes committed messages to subscribed sessions.
type Hub struct {
	directory ChannelDirectory
	logger    *zap.Logger
	metrics   *federation.Metrics
	queueSize int

	mu       sync.Mutex
	sessions map[string]*Session
	channels map[types.ChannelID]map[*Session]struct{}
	order    map[types.ChannelID]*channelOrder
}

func NewHub(directory ChannelDirectory, logger *zap.Logger, metrics *federation.Metrics, queueSize int) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		directory: directory,
		logger:    logger,
		metrics:   metrics,
		queueSize: queueSize,
		sessions:  make(map[string]*Session),
		channels:  make(map[types.ChannelID]map[*Session]struct{}),
		order:     make(map[types.ChannelID]*channelOrder),
	}
}

// NewSession creates a session sized for this hub's queues.
func (h *Hub) NewSession(actor string) *Session {
	return NewSession(actor, h.queueSize)
}

// Register adds an authenticated session to the hub.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SessionsActive.Inc()
	}
	h.logger.Debug("session registered",
		zap.String("session", s.ID), zap.String("actor", s.Actor))
}

// Unregister removes a session and all of its subscriptions.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	_, known := h.sessions[s.ID]
	if known {
		delete(h.sessions, s.ID)
		h.removeSubscriptionsLocked(s)
	}
	h.mu.Unlock()

	if !known {
		return
	}
	s.close()
	if h.metrics != nil {
		h.metrics.SessionsActive.Dec()
	}
}

// Subscribe attaches the session to a channel after checking that its actor
// belongs to the channel's group. The channel's first subscriber seeds the
// delivery order from the committed sequence counter, so anything committed
// after subscription is owed to the session no matter how the commits'
// Publish calls interleave.
func (h *Hub) Subscribe(ctx context.Context, s *Session, channelID types.ChannelID) error {
	ok, err := h.directory.IsChannelMember(ctx, channelID, s.Actor)
	if err != nil {
		return err
	}
	if !ok {
		if h.metrics != nil {
			h.metrics.SubscribeDenials.Inc()
		}
		return ErrNotAMember
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, known := h.sessions[s.ID]; !known {
		return errors.New("session is not registered")
	}

	if h.order[channelID] == nil {
		seq, err := h.directory.CurrentSeq(ctx, channelID)
		if err != nil {
			return fmt.Errorf("failed to read channel sequence: %w", err)
		}
		h.order[channelID] = &channelOrder{next: seq + 1, pending: make(map[uint64]*types.Message)}
	}

	subs := h.channels[channelID]
	if subs == nil {
		subs = make(map[*Session]struct{})
		h.channels[channelID] = subs
	}
	if _, already := subs[s]; !already {
		subs[s] = struct{}{}
		if h.metrics != nil {
			h.metrics.Subscriptions.Inc()
		}
	}
	return nil
}

// Unsubscribe detaches the session from a channel.
func (h *Hub) Unsubscribe(s *Session, channelID types.ChannelID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.channels[channelID]
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.channels, channelID)
		// Nobody is listening; the next subscriber re-seeds from the
		// committed counter.
		delete(h.order, channelID)
	}
	if h.metrics != nil {
		h.metrics.Subscriptions.Dec()
	}
}

// Publish hands a committed message to the hub for fan-out. Delivery within
// the channel is in sequence order even when commits from concurrent writers
// arrive here interleaved: a message ahead of the expected sequence waits
// until the gap fills.
func (h *Hub) Publish(msg *types.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.order[msg.ChannelID]
	if st == nil {
		// No subscribers. The channel's next subscriber seeds from the
		// committed counter, which already covers this message.
		return
	}
	if msg.Seq < st.next {
		// Already delivered, or committed before the first subscription.
		// Duplicates never go out twice.
		return
	}
	st.pending[msg.Seq] = msg

	for {
		next, ok := st.pending[st.next]
		if !ok {
			if len(st.pending) <= maxReorderBuffer {
				return
			}
			// The gap is presumed permanent; resume from the lowest
			// buffered sequence rather than buffering without bound.
			st.next = lowestSeq(st.pending)
			h.logger.Warn("sequence gap abandoned",
				zap.String("channel", string(msg.ChannelID)),
				zap.Uint64("resumed_at", st.next))
			continue
		}
		delete(st.pending, st.next)
		st.next++
		h.deliverLocked(next)
	}
}

func (h *Hub) deliverLocked(msg *types.Message) {
	subs := h.channels[msg.ChannelID]
	if len(subs) == 0 {
		return
	}
	frame := ServerFrame{Type: FrameMessage, Channel: msg.ChannelID, Message: msg}

	var dropped []*Session
	for s := range subs {
		if s.send(frame) {
			if h.metrics != nil {
				h.metrics.EventsDelivered.Inc()
			}
			continue
		}
		dropped = append(dropped, s)
	}
	for _, s := range dropped {
		h.logger.Warn("dropping slow session",
			zap.String("session", s.ID), zap.String("actor", s.Actor))
		delete(h.sessions, s.ID)
		h.removeSubscriptionsLocked(s)
		s.close()
		if h.metrics != nil {
			h.metrics.SessionsDropped.Inc()
			h.metrics.SessionsActive.Dec()
		}
	}
}

func (h *Hub) removeSubscriptionsLocked(s *Session) {
	for channelID, subs := range h.channels {
		if _, ok := subs[s]; !ok {
			continue
		}
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.channels, channelID)
			delete(h.order, channelID)
		}
		if h.metrics != nil {
			h.metrics.Subscriptions.Dec()
		}
	}
}

func lowestSeq(pending map[uint64]*types.Message) uint64 {
	var low uint64
	first := true
	for seq := range pending {
		if first || seq < low {
			low = seq
			first = false
		}
	}
	return low
}
