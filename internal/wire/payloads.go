package wire

import "encoding/json"

// JoinPayload is the provider's self-description sent with a join frame.
type JoinPayload struct {
	DiscoveryKey          string `json:"discoveryKey"`
	ModelName             string `json:"modelName"`
	APIProvider           string `json:"apiProvider,omitempty"`
	Name                  string `json:"name,omitempty"`
	Website               string `json:"website,omitempty"`
	Public                bool   `json:"public,omitempty"`
	DataCollectionEnabled bool   `json:"dataCollectionEnabled,omitempty"`
	ServerKey             string `json:"serverKey,omitempty"`
	MaxConnections        int    `json:"maxConnections"`
	SymmetryCoreVersion   string `json:"symmetryCoreVersion"`
}

// JoinAckPayload acknowledges a successful join.
type JoinAckPayload struct {
	Status string `json:"status"`
	Key    string `json:"key"`
}

// VersionMismatchPayload is sent when a peer's advertised core version is
// missing or below the configured minimum.
type VersionMismatchPayload struct {
	MinVersion string `json:"minVersion"`
}

// ChallengePayload carries a random challenge in both directions: the peer
// sends the bytes to be signed, the hub replies with the signature.
type ChallengePayload struct {
	Challenge []byte `json:"challenge,omitempty"`
	Signature []byte `json:"signature,omitempty"`
}

// ConnectionSizePayload reports a provider's current fan-out.
type ConnectionSizePayload struct {
	Connections int `json:"connections"`
}

// RequestProviderPayload asks the hub to match a model to a provider.
type RequestProviderPayload struct {
	ModelName           string `json:"modelName"`
	PreferredProviderID string `json:"preferredProviderId,omitempty"`
}

// ProviderDetailsPayload answers a successful match.
type ProviderDetailsPayload struct {
	ProviderID   string `json:"providerId"`
	SessionToken string `json:"sessionToken"`
}

// SessionValidPayload answers a successful verifySession.
type SessionValidPayload struct {
	DiscoveryKey string `json:"discoveryKey"`
	ModelName    string `json:"modelName"`
	Name         string `json:"name"`
	Provider     string `json:"provider"`
}

// ChatMessage is one message in an inference request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InferencePayload carries a chat-completion request and the inference
// token the hub will use to route the provider's response bytes back to
// the right caller.
type InferencePayload struct {
	Messages []ChatMessage `json:"messages"`
	Key      string        `json:"key"`
}

// MetricsSnapshot is a completion metrics report from a provider. The exact
// shape is provider-defined; only the fields the hub aggregates are named,
// everything else round-trips through Extra.
type MetricsSnapshot struct {
	TokensGenerated int64                  `json:"tokensGenerated,omitempty"`
	PromptTokens    int64                  `json:"promptTokens,omitempty"`
	TokensPerSecond float64                `json:"tokensPerSecond,omitempty"`
	LatencyMS       int64                  `json:"latencyMs,omitempty"`
	Extra           map[string]interface{} `json:"-"`
}

// UnmarshalJSON captures the named fields and stashes everything else in
// Extra so a provider's metrics report round-trips even when it carries
// fields the hub doesn't aggregate.
func (m *MetricsSnapshot) UnmarshalJSON(b []byte) error {
	type known MetricsSnapshot
	var k known
	if err := json.Unmarshal(b, &k); err != nil {
		return err
	}
	*m = MetricsSnapshot(k)

	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for _, name := range []string{"tokensGenerated", "promptTokens", "tokensPerSecond", "latencyMs"} {
		delete(raw, name)
	}
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

// MarshalJSON emits the named fields alongside anything stashed in Extra.
func (m MetricsSnapshot) MarshalJSON() ([]byte, error) {
	type known MetricsSnapshot
	out := map[string]interface{}{}
	for k, v := range m.Extra {
		out[k] = v
	}
	named, err := json.Marshal(known(m))
	if err != nil {
		return nil, err
	}
	var namedMap map[string]interface{}
	if err := json.Unmarshal(named, &namedMap); err != nil {
		return nil, err
	}
	for k, v := range namedMap {
		out[k] = v
	}
	return json.Marshal(out)
}

// HealthCheckPayload carries the outstanding health-check request id.
type HealthCheckPayload struct {
	RequestID string `json:"requestId"`
}
