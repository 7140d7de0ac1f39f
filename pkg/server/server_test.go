package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forumhall/pkg/config"
	"forumhall/pkg/federation"
	"forumhall/pkg/ofscp"
	"forumhall/pkg/realtime"
	"forumhall/pkg/store"
	"forumhall/pkg/types"
)

const (
	testDomain  = "a.example"
	testGroup   = types.GroupID("grp-hall")
	testChannel = types.ChannelID("chan-general")
)

// signer produces correctly signed requests for one actor key. Each request
// gets a distinct timestamp so the replay guard sees distinct signatures.
type signer struct {
	actor string
	keyID string
	priv  ed25519.PrivateKey
	n     atomic.Int64
}

func (s *signer) sign(t *testing.T, method, path string, body []byte) *http.Request {
	t.Helper()
	ts := time.Now().UTC().Add(time.Duration(s.n.Add(1)) * time.Second).Format(time.RFC3339)
	// The canonical request covers the URL path only, never the query,
	// matching what the verifying middleware reads from r.URL.Path.
	sigPath := path
	if i := strings.IndexByte(path, '?'); i >= 0 {
		sigPath = path[:i]
	}
	canonical := ofscp.Canonicalize(ofscp.CanonicalRequest{
		Method:    method,
		Path:      sigPath,
		Timestamp: ts,
		Actor:     s.actor,
		KeyID:     s.keyID,
		Body:      body,
	})
	sig := ofscp.Sign(s.priv, canonical)

	req, err := http.NewRequest(method, path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(ofscp.HeaderActor, s.actor)
	req.Header.Set(ofscp.HeaderTimestamp, ts)
	req.Header.Set(ofscp.HeaderSignature, (&ofscp.SignatureHeader{KeyID: s.keyID, Signature: sig}).String())
	return req
}

type testServer struct {
	srv   *Server
	http  *httptest.Server
	store store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Domain = testDomain

	st := store.NewMemoryStore()
	srv := New(cfg, nil, st, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	ctx := context.Background()
	require.NoError(t, store.PutJSON(ctx, st, store.CollectionGroups, string(testGroup), types.Group{
		ID:   testGroup,
		Name: "hall",
	}))
	require.NoError(t, store.PutJSON(ctx, st, store.CollectionChannels, string(testChannel), types.Channel{
		ID:      testChannel,
		GroupID: testGroup,
		Name:    "general",
	}))
	return &testServer{srv: srv, http: ts, store: st}
}

// addUser provisions a local account with one signing key and optional group
// membership, the way the seed command would.
func (ts *testServer) addUser(t *testing.T, handle string, member bool) *signer {
	t.Helper()
	ctx := context.Background()

	pub, priv, err := ofscp.GenerateKeyPair()
	require.NoError(t, err)
	keyID := "dk_" + handle

	require.NoError(t, store.PutJSON(ctx, ts.store, store.CollectionUsers, handle, types.User{
		ID:     types.UserID("u_" + handle),
		Handle: handle,
	}))
	require.NoError(t, store.PutJSON(ctx, ts.store, store.CollectionDeviceKeys,
		federation.DeviceKeyPath(handle, keyID), types.SigningKey{
			KeyID:     types.KeyID(keyID),
			Actor:     handle + "@" + testDomain,
			PublicKey: pub,
			Algorithm: ofscp.AlgorithmEd25519,
			CreatedAt: time.Now().UTC(),
		}))
	if member {
		require.NoError(t, store.PutJSON(ctx, ts.store, store.CollectionGroupMembers,
			string(testGroup)+"/"+handle+"@"+testDomain, types.GroupMember{
				GroupID: testGroup,
				Actor:   handle + "@" + testDomain,
			}))
	}
	return &signer{actor: handle + "@" + testDomain, keyID: keyID, priv: priv}
}

func (ts *testServer) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	req.URL.Scheme = "http"
	req.URL.Host = strings.TrimPrefix(ts.http.URL, "http://")
	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, body
}

func messagesPath() string {
	return fmt.Sprintf("/api/groups/%s/channels/%s/messages", testGroup, testChannel)
}

func TestHealthAndProviderDoc(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.http.URL + "/.well-known/ofscp-provider")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc ofscp.DiscoveryDocument
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, testDomain, doc.Provider.Domain)
	assert.Equal(t, ofscp.ProtocolVersion, doc.Provider.ProtocolVersion)
	assert.Equal(t, "/api/realtime", doc.Endpoints.Realtime)
}

func TestUnsignedRequestRejected(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.http.URL+messagesPath(), "application/json",
		strings.NewReader(`{"body":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "MissingHeader", body["reason"])
}

func TestSendMessageIdempotency(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.addUser(t, "alice", true)

	send := func(token, body string) (*http.Response, types.Message) {
		req := alice.sign(t, http.MethodPost, messagesPath(), []byte(`{"body":"`+body+`"}`))
		if token != "" {
			req.Header.Set(ofscp.HeaderIdempotencyKey, token)
		}
		resp, raw := ts.do(t, req)
		var msg types.Message
		if resp.StatusCode < 300 {
			require.NoError(t, json.Unmarshal(raw, &msg))
		}
		return resp, msg
	}

	resp, first := send("tok-1", "hello")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, uint64(1), first.Seq)

	// Retry with the same token and payload: same message, no new write.
	resp, retry := send("tok-1", "hello")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first.ID, retry.ID)
	assert.Equal(t, first.Seq, retry.Seq)

	// Same token with a different payload is a conflict.
	resp, _ = send("tok-1", "changed")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// A fresh token gets the next sequence number; the retry consumed none.
	resp, second := send("tok-2", "world")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, uint64(2), second.Seq)
}

func TestListMessages(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.addUser(t, "alice", true)

	for i := 1; i <= 3; i++ {
		req := alice.sign(t, http.MethodPost, messagesPath(),
			[]byte(fmt.Sprintf(`{"body":"msg %d"}`, i)))
		req.Header.Set(ofscp.HeaderIdempotencyKey, fmt.Sprintf("tok-%d", i))
		resp, _ := ts.do(t, req)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	req := alice.sign(t, http.MethodGet, messagesPath()+"?limit=2", nil)
	resp, raw := ts.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page struct {
		Messages   []types.Message `json:"messages"`
		NextCursor string          `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(raw, &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, uint64(3), page.Messages[0].Seq, "default listing is newest first")
	assert.NotEmpty(t, page.NextCursor)
}

func TestNonMemberForbidden(t *testing.T) {
	ts := newTestServer(t)
	mallory := ts.addUser(t, "mallory", false)

	req := mallory.sign(t, http.MethodPost, messagesPath(), []byte(`{"body":"hi"}`))
	resp, _ := ts.do(t, req)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDeviceKeyLifecycle(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.addUser(t, "alice", true)

	// Register a second key.
	pub, _, err := ofscp.GenerateKeyPair()
	require.NoError(t, err)
	body := []byte(fmt.Sprintf(`{"publicKey":%q,"name":"laptop"}`, pub))
	resp, raw := ts.do(t, alice.sign(t, http.MethodPost, "/api/device-keys", body))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var registered types.SigningKey
	require.NoError(t, json.Unmarshal(raw, &registered))
	assert.True(t, strings.HasPrefix(string(registered.KeyID), "dk_"))

	// Both keys appear in the authenticated listing and in discovery.
	resp, raw = ts.do(t, alice.sign(t, http.MethodGet, "/api/device-keys", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Keys []types.SigningKey `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(raw, &listing))
	assert.Len(t, listing.Keys, 2)

	wkResp, err := http.Get(ts.http.URL + "/.well-known/ofscp/users/alice/keys")
	require.NoError(t, err)
	defer wkResp.Body.Close()
	var discovery ofscp.KeyDiscoveryResponse
	require.NoError(t, json.NewDecoder(wkResp.Body).Decode(&discovery))
	assert.Equal(t, "alice@"+testDomain, discovery.Actor)
	assert.Len(t, discovery.Keys, 2)

	// Revoke the original key; requests signed with it stop verifying.
	resp, _ = ts.do(t, alice.sign(t, http.MethodDelete, "/api/device-keys/"+alice.keyID, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw = ts.do(t, alice.sign(t, http.MethodGet, "/api/device-keys", nil))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var rejection map[string]string
	require.NoError(t, json.Unmarshal(raw, &rejection))
	assert.Equal(t, "KeyNotFound", rejection["reason"])
}

func TestUserKeysUnknownUser(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.http.URL + "/.well-known/ofscp/users/nobody/keys")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRealtimeDelivery(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.addUser(t, "alice", true)

	// Signed websocket handshake via query parameters.
	wsTS := time.Now().UTC().Add(30 * time.Second).Format(time.RFC3339)
	canonical := ofscp.Canonicalize(ofscp.CanonicalRequest{
		Method:    http.MethodGet,
		Path:      "/api/realtime",
		Timestamp: wsTS,
		Actor:     alice.actor,
		KeyID:     alice.keyID,
	})
	sig := ofscp.Sign(alice.priv, canonical)

	q := url.Values{}
	q.Set("actor", alice.actor)
	q.Set("timestamp", wsTS)
	q.Set("keyId", alice.keyID)
	q.Set("signature", sig)
	wsURL := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/realtime?" + q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(realtime.ClientFrame{
		Type:    realtime.FrameSubscribe,
		Channel: testChannel,
		Nonce:   "n1",
	}))

	var ack realtime.ServerFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, realtime.FrameAck, ack.Type)
	assert.Equal(t, "n1", ack.Nonce)

	req := alice.sign(t, http.MethodPost, messagesPath(), []byte(`{"body":"live"}`))
	req.Header.Set(ofscp.HeaderIdempotencyKey, "tok-live")
	resp, _ := ts.do(t, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var frame realtime.ServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, realtime.FrameMessage, frame.Type)
	require.NotNil(t, frame.Message)
	assert.Equal(t, "live", frame.Message.Body)
	assert.Equal(t, uint64(1), frame.Message.Seq)
}

func TestRealtimeRejectsUnsignedHandshake(t *testing.T) {
	ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/realtime"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRealtimeSubscribeDeniedForNonMember(t *testing.T) {
	ts := newTestServer(t)
	mallory := ts.addUser(t, "mallory", false)

	wsTS := time.Now().UTC().Format(time.RFC3339)
	canonical := ofscp.Canonicalize(ofscp.CanonicalRequest{
		Method:    http.MethodGet,
		Path:      "/api/realtime",
		Timestamp: wsTS,
		Actor:     mallory.actor,
		KeyID:     mallory.keyID,
	})
	sig := ofscp.Sign(mallory.priv, canonical)

	q := url.Values{}
	q.Set("actor", mallory.actor)
	q.Set("timestamp", wsTS)
	q.Set("keyId", mallory.keyID)
	q.Set("signature", sig)
	wsURL := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/realtime?" + q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(realtime.ClientFrame{
		Type:    realtime.FrameSubscribe,
		Channel: testChannel,
		Nonce:   "n1",
	}))

	var frame realtime.ServerFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, realtime.FrameError, frame.Type)
	assert.Equal(t, "n1", frame.Nonce)
}
