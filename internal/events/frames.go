package events

// Frame types sent by clients over the WebSocket.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
)

// Frame types sent by the server over the WebSocket.
const (
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameMessage      = "message"
	FrameError        = "error"
)

// Error codes carried by error frames and HTTP error bodies.
const (
	CodeForbidden    = "forbidden"
	CodeUnauthorized = "unauthorized"
	CodeBadRequest   = "bad_request"
	CodeRateLimited  = "rate_limited"
	CodeSlowConsumer = "slow_consumer"
	CodeInternal     = "internal"
)

// ClientFrame is a command from a client. ID names the subscription the
// command refers to and is chosen by the client.
type ClientFrame struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Topic string `json:"topic,omitempty"`
}

// ServerFrame is a reply or push from the server. Several frames may share
// one WebSocket message, separated by newlines.
type ServerFrame struct {
	Type    string        `json:"type"`
	ID      string        `json:"id,omitempty"`
	Event   *MessageEvent `json:"event,omitempty"`
	Code    string        `json:"code,omitempty"`
	Message string        `json:"message,omitempty"`
}

// ErrorBody is the JSON body of a failed HTTP request.
type ErrorBody struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

// SendRequest is the JSON body of a send request.
type SendRequest struct {
	Content  string `json:"content"`
	ClientID string `json:"clientId,omitempty"`
}
