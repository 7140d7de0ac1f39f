// Package messaging implements the idempotent message-creation pipeline:
// payload-hash deduplication keyed by (actor, channel, token), per-channel
// sequence assignment at commit time, and cursor-based history listing.
// Exactly-once semantics rest on the store's compare-and-swap primitive, so
// they hold across server processes sharing one store, not just within a
// process.
package messaging

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"forumhall/pkg/federation"
	"forumhall/pkg/ofscp"
	"forumhall/pkg/store"
	"forumhall/pkg/types"
)

var (
	// ErrTokenConflict signals reuse of an idempotency token with a
	// different payload. No write occurs; the client must pick a new token.
	ErrTokenConflict = errors.New("idempotency token reused with different payload")

	ErrChannelNotFound = errors.New("channel not found")
	ErrNotAMember      = errors.New("not a member of the channel's group")
)

const (
	// DefaultRetention bounds how long idempotency records dedupe retries.
	// Expiry only affects deduplication of old retries, never messages
	// already committed.
	DefaultRetention = 24 * time.Hour

	// pendingTakeover is how long a reservation may sit unfinished before
	// another caller assumes the reserving process died and takes over.
	pendingTakeover = 10 * time.Second

	// pendingPoll is how often a losing caller re-reads a reservation
	// while waiting for the winner's result.
	pendingPoll = 25 * time.Millisecond

	// pendingWait bounds how long a loser waits before giving up.
	pendingWait = 5 * time.Second
)

// Service is the message-creation use case behind the send-message route
// and the realtime hub's membership checks.
type Service struct {
	store     store.Store
	logger    *zap.Logger
	metrics   *federation.Metrics
	clock     clock.Clock
	retention time.Duration
}

func NewService(st store.Store, logger *zap.Logger, metrics *federation.Metrics, clk clock.Clock, retention time.Duration) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Service{
		store:     st,
		logger:    logger,
		metrics:   metrics,
		clock:     clk,
		retention: retention,
	}
}

// CreateMessage commits a message to the channel at most once per
// (actor, channel, token). A retry with the identical payload returns the
// original message with created=false; reuse of the token with a different
// payload returns ErrTokenConflict. An empty token skips deduplication.
func (s *Service) CreateMessage(ctx context.Context, actor string, channelID types.ChannelID, token, body string) (*types.Message, bool, error) {
	if token == "" {
		msg, err := s.commit(ctx, actor, channelID, body)
		return msg, err == nil, err
	}

	payloadHash := ofscp.PayloadHash([]byte(body))
	recordKey := idempotencyPath(actor, channelID, token)

	for {
		var record types.IdempotencyRecord
		err := store.GetJSON(ctx, s.store, store.CollectionIdempotencyKeys, recordKey, &record)

		switch {
		case errors.Is(err, store.ErrNotFound):
			msg, won, err := s.reserveAndCommit(ctx, recordKey, nil, actor, channelID, payloadHash, body)
			if err != nil {
				return nil, false, err
			}
			if !won {
				// Lost the reservation race; re-read the winner's record.
				continue
			}
			return msg, true, nil

		case err != nil:
			return nil, false, fmt.Errorf("idempotency lookup: %w", err)

		case record.MessageID == "":
			// A reservation is in flight. Wait for the winner's result, or
			// take over a reservation whose owner evidently died. A nil
			// message asks for a fresh lookup.
			msg, committed, err := s.awaitReservation(ctx, recordKey, &record, actor, channelID, payloadHash, body)
			if err != nil {
				return nil, false, err
			}
			if msg == nil {
				continue
			}
			return msg, committed, nil

		case s.expired(record.CreatedAt):
			// Too old to dedupe against; replace it with a fresh attempt.
			expectedRaw, gerr := s.store.Get(ctx, store.CollectionIdempotencyKeys, recordKey)
			if gerr != nil {
				continue
			}
			msg, won, err := s.reserveAndCommit(ctx, recordKey, expectedRaw, actor, channelID, payloadHash, body)
			if err != nil {
				return nil, false, err
			}
			if !won {
				continue
			}
			return msg, true, nil

		case record.PayloadHash == payloadHash:
			// Retry with identical content: hand back the stored result.
			if s.metrics != nil {
				s.metrics.IdempotentReplays.Inc()
			}
			msg, err := s.getMessage(ctx, channelID, record.Seq)
			if err != nil {
				return nil, false, err
			}
			return msg, false, nil

		default:
			if s.metrics != nil {
				s.metrics.TokenConflicts.Inc()
			}
			return nil, false, ErrTokenConflict
		}
	}
}

// reserveAndCommit atomically claims the idempotency key (expected nil for a
// fresh key, or the stale record bytes when taking over), commits the
// message, and fills in the record. won=false means another caller claimed
// the key first.
func (s *Service) reserveAndCommit(ctx context.Context, recordKey string, expected []byte, actor string, channelID types.ChannelID, payloadHash, body string) (*types.Message, bool, error) {
	pending := types.IdempotencyRecord{
		Actor:       actor,
		Scope:       string(channelID),
		PayloadHash: payloadHash,
		CreatedAt:   s.clock.Now().UTC(),
	}
	pendingRaw, err := encodeRecord(pending)
	if err != nil {
		return nil, false, err
	}

	err = s.store.CompareAndSwap(ctx, store.CollectionIdempotencyKeys, recordKey, expected, pendingRaw)
	if errors.Is(err, store.ErrConflict) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency reservation: %w", err)
	}

	msg, err := s.commit(ctx, actor, channelID, body)
	if err != nil {
		// Release the reservation so a retry is not stuck waiting for a
		// result that will never arrive.
		_ = s.store.Delete(ctx, store.CollectionIdempotencyKeys, recordKey)
		return nil, false, err
	}

	pending.MessageID = msg.ID
	pending.Seq = msg.Seq
	if err := store.PutJSON(ctx, s.store, store.CollectionIdempotencyKeys, recordKey, pending); err != nil {
		s.logger.Warn("failed to finalize idempotency record",
			zap.String("key", recordKey), zap.Error(err))
	}
	return msg, true, nil
}

// awaitReservation polls an in-flight reservation until the winner fills it
// in. A nil message with a nil error asks the caller to restart its lookup
// (the reservation was released or taken over); committed reports whether
// this call performed the write itself (takeover of a dead owner).
func (s *Service) awaitReservation(ctx context.Context, recordKey string, record *types.IdempotencyRecord, actor string, channelID types.ChannelID, payloadHash, body string) (msg *types.Message, committed bool, err error) {
	if s.clock.Now().Sub(record.CreatedAt) > pendingTakeover {
		raw, err := s.store.Get(ctx, store.CollectionIdempotencyKeys, recordKey)
		if err != nil {
			return nil, false, nil
		}
		msg, won, err := s.reserveAndCommit(ctx, recordKey, raw, actor, channelID, payloadHash, body)
		if err != nil {
			return nil, false, err
		}
		if !won {
			return nil, false, nil
		}
		return msg, true, nil
	}

	deadline := s.clock.Now().Add(pendingWait)
	for s.clock.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-s.clock.After(pendingPoll):
		}

		var current types.IdempotencyRecord
		err := store.GetJSON(ctx, s.store, store.CollectionIdempotencyKeys, recordKey, &current)
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		if current.MessageID == "" {
			continue
		}
		if current.PayloadHash != payloadHash {
			return nil, false, ErrTokenConflict
		}
		msg, err := s.getMessage(ctx, channelID, current.Seq)
		if err != nil {
			return nil, false, err
		}
		if s.metrics != nil {
			s.metrics.IdempotentReplays.Inc()
		}
		return msg, false, nil
	}
	return nil, false, fmt.Errorf("timed out waiting for concurrent submission of the same token")
}

// commit assigns the channel's next sequence number and persists the
// message. The counter swap and the keyed message write make the sequence
// strictly increasing with no duplicates, across any number of concurrent
// writers.
func (s *Service) commit(ctx context.Context, actor string, channelID types.ChannelID, body string) (*types.Message, error) {
	seq, err := s.nextSeq(ctx, channelID)
	if err != nil {
		return nil, err
	}

	msg := &types.Message{
		ID:        types.MessageID(uuid.NewString()),
		ChannelID: channelID,
		Author:    actor,
		Body:      body,
		Seq:       seq,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := store.PutJSON(ctx, s.store, store.CollectionMessages, messagePath(channelID, seq), msg); err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}

	if s.metrics != nil {
		s.metrics.MessagesCreated.Inc()
	}
	s.logger.Debug("message committed",
		zap.String("channel", string(channelID)),
		zap.Uint64("seq", seq),
		zap.String("author", actor))
	return msg, nil
}

// nextSeq increments the channel's sequence counter with a CAS loop.
func (s *Service) nextSeq(ctx context.Context, channelID types.ChannelID) (uint64, error) {
	counterKey := string(channelID) + "/seq"

	for {
		raw, err := s.store.Get(ctx, store.CollectionChannels, counterKey)
		var current uint64
		var expected []byte
		switch {
		case errors.Is(err, store.ErrNotFound):
			// First message in the channel.
		case err != nil:
			return 0, fmt.Errorf("sequence counter read: %w", err)
		default:
			current, err = strconv.ParseUint(string(raw), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("corrupt sequence counter for %s: %w", channelID, err)
			}
			expected = raw
		}

		next := current + 1
		err = s.store.CompareAndSwap(ctx, store.CollectionChannels, counterKey, expected, []byte(strconv.FormatUint(next, 10)))
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("sequence counter swap: %w", err)
		}
		return next, nil
	}
}

// CurrentSeq reports the channel's committed sequence counter; zero means
// nothing has been committed yet. The realtime hub seeds its delivery order
// from this when a channel gains its first subscriber.
func (s *Service) CurrentSeq(ctx context.Context, channelID types.ChannelID) (uint64, error) {
	raw, err := s.store.Get(ctx, store.CollectionChannels, string(channelID)+"/seq")
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sequence counter read: %w", err)
	}
	seq, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt sequence counter for %s: %w", channelID, err)
	}
	return seq, nil
}

func (s *Service) getMessage(ctx context.Context, channelID types.ChannelID, seq uint64) (*types.Message, error) {
	var msg types.Message
	if err := store.GetJSON(ctx, s.store, store.CollectionMessages, messagePath(channelID, seq), &msg); err != nil {
		return nil, fmt.Errorf("failed to load message %s/%d: %w", channelID, seq, err)
	}
	return &msg, nil
}

func (s *Service) expired(createdAt time.Time) bool {
	return s.clock.Now().Sub(createdAt) > s.retention
}

// GetChannel loads a channel record.
func (s *Service) GetChannel(ctx context.Context, channelID types.ChannelID) (*types.Channel, error) {
	var ch types.Channel
	err := store.GetJSON(ctx, s.store, store.CollectionChannels, string(channelID), &ch)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// IsMember reports whether actor belongs to the group.
func (s *Service) IsMember(ctx context.Context, groupID types.GroupID, actor string) (bool, error) {
	_, err := s.store.Get(ctx, store.CollectionGroupMembers, string(groupID)+"/"+actor)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsChannelMember reports whether actor belongs to the channel's group. The
// realtime hub uses this at subscribe time.
func (s *Service) IsChannelMember(ctx context.Context, channelID types.ChannelID, actor string) (bool, error) {
	ch, err := s.GetChannel(ctx, channelID)
	if err != nil {
		return false, err
	}
	return s.IsMember(ctx, ch.GroupID, actor)
}

func idempotencyPath(actor string, channelID types.ChannelID, token string) string {
	return actor + "|" + string(channelID) + "|" + token
}

func messagePath(channelID types.ChannelID, seq uint64) string {
	return fmt.Sprintf("%s/%020d", channelID, seq)
}

func encodeRecord(r types.IdempotencyRecord) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	return raw, nil
}

const (
	// DefaultListLimit is the page size when the caller does not ask for one.
	DefaultListLimit = 50
	// MaxListLimit caps the page size a caller may request.
	MaxListLimit = 200
)

// ListOptions controls a history page. Direction "forward" walks from oldest
// to newest; anything else walks newest-first, which is the default a client
// opening a channel wants.
type ListOptions struct {
	Cursor    string
	Direction string
	Limit     int
}

// Page is one page of channel history plus the cursor for the next page.
// NextCursor is empty when the page reached the end.
type Page struct {
	Messages   []types.Message
	NextCursor string
}

// ListMessages returns a page of the channel's history in sequence order.
// The zero-padded key layout makes this a bounded scan: seek to the cursor's
// key and read at most one page, never the whole channel.
func (s *Service) ListMessages(ctx context.Context, channelID types.ChannelID, opts ListOptions) (*Page, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var after string
	if cursorSeq, ok := DecodeCursor(opts.Cursor); ok {
		after = messagePath(channelID, cursorSeq)
	}
	reverse := opts.Direction != "forward"

	// One extra entry tells us whether another page exists.
	entries, err := s.store.Scan(ctx, store.CollectionMessages, string(channelID)+"/", after, limit+1, reverse)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	page := &Page{Messages: make([]types.Message, 0, len(entries))}
	for _, e := range entries {
		if len(page.Messages) == limit {
			page.NextCursor = EncodeCursor(page.Messages[limit-1].Seq)
			break
		}
		var msg types.Message
		if err := json.Unmarshal(e.Value, &msg); err != nil {
			return nil, fmt.Errorf("corrupt message record %s: %w", e.Key, err)
		}
		page.Messages = append(page.Messages, msg)
	}
	return page, nil
}

// SweepExpiredTokens deletes idempotency records older than the retention
// window and returns how many it removed.
func (s *Service) SweepExpiredTokens(ctx context.Context) (int, error) {
	entries, err := s.store.List(ctx, store.CollectionIdempotencyKeys, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list idempotency records: %w", err)
	}

	removed := 0
	for _, e := range entries {
		var record types.IdempotencyRecord
		if err := json.Unmarshal(e.Value, &record); err != nil {
			continue
		}
		// Unfinished reservations are cleaned up by takeover, not here.
		if record.MessageID == "" || !s.expired(record.CreatedAt) {
			continue
		}
		if err := s.store.Delete(ctx, store.CollectionIdempotencyKeys, e.Key); err == nil {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("swept expired idempotency records", zap.Int("removed", removed))
	}
	return removed, nil
}

// RunRetentionLoop sweeps expired idempotency records on the given interval
// until the context is cancelled.
func (s *Service) RunRetentionLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpiredTokens(ctx); err != nil {
				s.logger.Warn("idempotency sweep failed", zap.Error(err))
			}
		}
	}
}

// EncodeCursor packs a sequence number into an opaque pagination cursor.
func EncodeCursor(seq uint64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatUint(seq, 10)))
}

// DecodeCursor unpacks a pagination cursor. Malformed cursors read as zero.
func DecodeCursor(cursor string) (uint64, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, false
	}
	seq, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
