package types

import (
	"time"
)

type UserID string
type GroupID string
type ChannelID string
type MessageID string
type KeyID string

// User is a locally registered account. Remote actors are never stored
// here; they are resolved through federation key discovery.
type User struct {
	ID          UserID    `json:"id"`
	Handle      string    `json:"handle"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Group struct {
	ID        GroupID   `json:"id"`
	Name      string    `json:"name"`
	OwnerID   UserID    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// GroupMember records membership of an actor in a group. The actor field
// is the canonical handle@domain form so remote members can be recorded.
type GroupMember struct {
	GroupID  GroupID   `json:"group_id"`
	Actor    string    `json:"actor"`
	JoinedAt time.Time `json:"joined_at"`
}

type Channel struct {
	ID        ChannelID `json:"id"`
	GroupID   GroupID   `json:"group_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a committed channel message. Seq is assigned exactly once at
// commit time and is strictly increasing within the channel.
type Message struct {
	ID        MessageID `json:"id"`
	ChannelID ChannelID `json:"channel_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// SigningKey is a device public key registered by an actor. A revoked key
// must never verify a signature timestamped after RevokedAt.
type SigningKey struct {
	KeyID     KeyID      `json:"key_id"`
	Actor     string     `json:"actor"`
	PublicKey string     `json:"public_key"` // base64 raw Ed25519
	Algorithm string     `json:"algorithm"`
	Name      string     `json:"name,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the key was revoked at or before t.
func (k *SigningKey) Revoked(t time.Time) bool {
	return k.RevokedAt != nil && !k.RevokedAt.After(t)
}

// IdempotencyRecord snapshots the outcome of a message-creation call so a
// retry with the same token returns the original result without a second
// write.
type IdempotencyRecord struct {
	Actor       string    `json:"actor"`
	Scope       string    `json:"scope"`
	Token       string    `json:"token"`
	PayloadHash string    `json:"payload_hash"`
	MessageID   MessageID `json:"message_id"`
	Seq         uint64    `json:"seq"`
	CreatedAt   time.Time `json:"created_at"`
}
