package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"forumhall/pkg/auth"
	"forumhall/pkg/federation"
	"forumhall/pkg/messaging"
	"forumhall/pkg/ofscp"
	"forumhall/pkg/store"
	"forumhall/pkg/types"
)

// maxMessageBody caps the length of a message body in bytes.
const maxMessageBody = 16 << 10

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProviderDoc(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ofscp.DiscoveryDocument{
		Provider: ofscp.ProviderInfo{
			Domain:          s.cfg.Domain,
			ProtocolVersion: ofscp.ProtocolVersion,
			Software: ofscp.SoftwareInfo{
				Name:    "forumhall",
				Version: SoftwareVersion,
			},
			Contact: s.cfg.Contact,
		},
		Endpoints: ofscp.Endpoints{
			Keys:     "/.well-known/ofscp/users/{handle}/keys",
			Messages: "/api/groups",
			Realtime: "/api/realtime",
		},
	})
}

// handleUserKeys serves the key listing remote resolvers fetch during
// discovery. Revoked keys stay in the listing with their revocation time so
// peers can pin them.
func (s *Server) handleUserKeys(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")

	if _, err := s.store.Get(r.Context(), store.CollectionUsers, handle); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown user")
			return
		}
		s.internalError(w, "user lookup failed", err)
		return
	}

	entries, err := s.store.List(r.Context(), store.CollectionDeviceKeys, handle+"/")
	if err != nil {
		s.internalError(w, "key listing failed", err)
		return
	}

	resp := ofscp.KeyDiscoveryResponse{
		Actor:      handle + "@" + s.cfg.Domain,
		Keys:       make([]ofscp.DiscoveryKey, 0, len(entries)),
		CacheUntil: time.Now().UTC().Add(s.cfg.KeyCacheTTL.Std()),
	}
	for _, e := range entries {
		var key types.SigningKey
		if err := json.Unmarshal(e.Value, &key); err != nil {
			s.logger.Warn("corrupt device key record", zap.String("key", e.Key))
			continue
		}
		resp.Keys = append(resp.Keys, ofscp.DiscoveryKey{
			KeyID:     string(key.KeyID),
			PublicKey: key.PublicKey,
			Algorithm: key.Algorithm,
			CreatedAt: key.CreatedAt,
			RevokedAt: key.RevokedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type registerKeyRequest struct {
	PublicKey string `json:"publicKey"`
	Algorithm string `json:"algorithm"`
	Name      string `json:"name"`
}

// handleRegisterKey registers an additional device key for the calling
// actor. The first key of an account is provisioned out of band; this
// endpoint requires a signature from a key the actor already holds.
func (s *Server) handleRegisterKey(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.localIdentity(w, r)
	if !ok {
		return
	}

	var req registerKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Algorithm == "" {
		req.Algorithm = ofscp.AlgorithmEd25519
	}
	if req.Algorithm != ofscp.AlgorithmEd25519 {
		writeError(w, http.StatusBadRequest, "unsupported algorithm")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil || len(raw) != 32 {
		writeError(w, http.StatusBadRequest, "publicKey must be 32 base64 bytes")
		return
	}

	key := types.SigningKey{
		KeyID:     types.KeyID("dk_" + strings.ReplaceAll(uuid.NewString(), "-", "")),
		Actor:     identity.Actor,
		PublicKey: req.PublicKey,
		Algorithm: req.Algorithm,
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	path := federation.DeviceKeyPath(identity.Handle, string(key.KeyID))
	if err := store.PutJSON(r.Context(), s.store, store.CollectionDeviceKeys, path, key); err != nil {
		s.internalError(w, "failed to store device key", err)
		return
	}

	s.logger.Info("device key registered",
		zap.String("actor", identity.Actor),
		zap.String("key_id", string(key.KeyID)))
	writeJSON(w, http.StatusCreated, key)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.localIdentity(w, r)
	if !ok {
		return
	}

	entries, err := s.store.List(r.Context(), store.CollectionDeviceKeys, identity.Handle+"/")
	if err != nil {
		s.internalError(w, "key listing failed", err)
		return
	}
	keys := make([]types.SigningKey, 0, len(entries))
	for _, e := range entries {
		var key types.SigningKey
		if err := json.Unmarshal(e.Value, &key); err != nil {
			continue
		}
		keys = append(keys, key)
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// handleRevokeKey marks a key revoked as of now. Signatures timestamped
// after the revocation stop verifying immediately for local checks; remote
// peers pick the revocation up on their next discovery fetch and pin it.
func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.localIdentity(w, r)
	if !ok {
		return
	}
	keyID := chi.URLParam(r, "keyID")
	path := federation.DeviceKeyPath(identity.Handle, keyID)

	var key types.SigningKey
	err := store.GetJSON(r.Context(), s.store, store.CollectionDeviceKeys, path, &key)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown key")
		return
	}
	if err != nil {
		s.internalError(w, "key lookup failed", err)
		return
	}

	if key.RevokedAt == nil {
		now := time.Now().UTC()
		key.RevokedAt = &now
		if err := store.PutJSON(r.Context(), s.store, store.CollectionDeviceKeys, path, key); err != nil {
			s.internalError(w, "failed to revoke key", err)
			return
		}
		s.logger.Info("device key revoked",
			zap.String("actor", identity.Actor),
			zap.String("key_id", keyID))
	}
	writeJSON(w, http.StatusOK, key)
}

type sendMessageRequest struct {
	Body string `json:"body"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	channel, ok := s.authorizeChannel(w, r, identity.Actor)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Body == "" {
		writeError(w, http.StatusBadRequest, "body must not be empty")
		return
	}
	if len(req.Body) > maxMessageBody {
		writeError(w, http.StatusBadRequest, "body too large")
		return
	}

	token := r.Header.Get(ofscp.HeaderIdempotencyKey)
	msg, created, err := s.messages.CreateMessage(r.Context(), identity.Actor, channel.ID, token, req.Body)
	if errors.Is(err, messaging.ErrTokenConflict) {
		writeError(w, http.StatusConflict, "idempotency token reused with different payload")
		return
	}
	if err != nil {
		s.internalError(w, "failed to create message", err)
		return
	}

	if created {
		s.hub.Publish(msg)
		writeJSON(w, http.StatusCreated, msg)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	channel, ok := s.authorizeChannel(w, r, identity.Actor)
	if !ok {
		return
	}

	opts := messaging.ListOptions{
		Cursor:    r.URL.Query().Get("cursor"),
		Direction: r.URL.Query().Get("direction"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = limit
	}

	page, err := s.messages.ListMessages(r.Context(), channel.ID, opts)
	if err != nil {
		s.internalError(w, "failed to list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":    page.Messages,
		"next_cursor": page.NextCursor,
	})
}

// authorizeChannel resolves the channel from the URL, confirms it belongs to
// the group in the URL, and checks the actor's membership.
func (s *Server) authorizeChannel(w http.ResponseWriter, r *http.Request, actor string) (*types.Channel, bool) {
	groupID := types.GroupID(chi.URLParam(r, "groupID"))
	channelID := types.ChannelID(chi.URLParam(r, "channelID"))

	channel, err := s.messages.GetChannel(r.Context(), channelID)
	if errors.Is(err, messaging.ErrChannelNotFound) {
		writeError(w, http.StatusNotFound, "unknown channel")
		return nil, false
	}
	if err != nil {
		s.internalError(w, "channel lookup failed", err)
		return nil, false
	}
	if channel.GroupID != groupID {
		writeError(w, http.StatusNotFound, "unknown channel")
		return nil, false
	}

	member, err := s.messages.IsMember(r.Context(), groupID, actor)
	if err != nil {
		s.internalError(w, "membership lookup failed", err)
		return nil, false
	}
	if !member {
		writeError(w, http.StatusForbidden, "not a member of this group")
		return nil, false
	}
	return channel, true
}

// localIdentity returns the authenticated identity if it belongs to this
// server's domain. Key management is local-only; remote actors manage keys
// on their home server.
func (s *Server) localIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return nil, false
	}
	if identity.Domain != s.cfg.Domain {
		writeError(w, http.StatusForbidden, "key management is local to the actor's home server")
		return nil, false
	}
	return identity, true
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
