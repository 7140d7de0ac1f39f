package realtime

import "forumhall/pkg/types"

// Frame types exchanged over a realtime connection. Clients send subscribe
// and unsubscribe; the server answers with ack or error carrying the same
// nonce, and pushes message frames for subscribed channels.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameAck         = "ack"
	FrameError       = "error"
	FrameMessage     = "message"
)

// ClientFrame is a frame received from a client.
type ClientFrame struct {
	Type    string          `json:"type"`
	Channel types.ChannelID `json:"channel,omitempty"`
	Nonce   string          `json:"nonce,omitempty"`
}

// ServerFrame is a frame pushed to a client. Nonce echoes the client frame
// being answered; message frames carry no nonce.
type ServerFrame struct {
	Type    string          `json:"type"`
	Channel types.ChannelID `json:"channel,omitempty"`
	Nonce   string          `json:"nonce,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Message *types.Message  `json:"message,omitempty"`
}
