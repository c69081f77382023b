package protocol

// HubConfig is the hub configuration advertised in the welcome envelope.
type HubConfig struct {
	PingIntervalMs    int64 `json:"pingIntervalMs"`
	MaxConnections    int   `json:"maxConnections"`
	ReconnectAttempts int   `json:"reconnectAttempts"`
	ReconnectDelayMs  int64 `json:"reconnectDelayMs"`
}

// WelcomeData is sent once by the hub when a connection is accepted.
type WelcomeData struct {
	ConnectionID string    `json:"connectionId"`
	Config       HubConfig `json:"config"`
	ServerTime   int64     `json:"serverTime"`
}

// SubscribeData is the payload of subscribe and unsubscribe envelopes.
type SubscribeData struct {
	Events []string `json:"events"`
}

// SubscriptionUpdatedData reports the full subscription set after a change.
type SubscriptionUpdatedData struct {
	Subscribed []string `json:"subscribed"`
	Added      []string `json:"added"`
	Removed    []string `json:"removed"`
}

// ErrorData is the payload of error envelopes.
type ErrorData struct {
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}
