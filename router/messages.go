package router

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Request is an inbound message. Internal pages send {type, payload, uuid};
// content scripts send {method, params}. Both are accepted.
type Request struct {
	Type    string          `json:"type,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	UUID    json.RawMessage `json:"uuid,omitempty"`

	fields map[string]json.RawMessage
}

// DecodeRequest parses one frame. Unknown top-level fields are retained so
// they can be echoed back.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if err := json.Unmarshal(data, &req.fields); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &req, nil
}

// Name is the declared method name.
func (r *Request) Name() string {
	if r.Type != "" {
		return r.Type
	}
	return r.Method
}

// Body is the method argument object.
func (r *Request) Body() json.RawMessage {
	if len(r.Payload) > 0 {
		return r.Payload
	}
	return r.Params
}

// HasUUID reports whether the sender expects a correlated reply.
func (r *Request) HasUUID() bool {
	return len(r.UUID) > 0 && !bytes.Equal(r.UUID, []byte("null"))
}

// Decode unmarshals the body into v. An absent body leaves v untouched.
func (r *Request) Decode(v any) error {
	body := r.Body()
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", r.Name(), err)
	}
	return nil
}

// Reply correlates a result with the request that carried UUID.
type Reply struct {
	UUID json.RawMessage `json:"uuid"`
	Res  any             `json:"res"`
}

// Notification is a broadcast to external applications.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// PhishingData is the verdict section of a phishingCheck broadcast.
type PhishingData struct {
	Method  string `json:"method"`
	ExtURL  string `json:"extUrl"`
	Host    string `json:"host"`
	Href    string `json:"href"`
	Blocked bool   `json:"blocked"`
}

// phishingBroadcast echoes every original field of req with method forced to
// phishingCheck and the verdict under data.
func phishingBroadcast(req *Request, data PhishingData) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(req.fields)+2)
	for k, v := range req.fields {
		out[k] = v
	}
	method, err := json.Marshal(MethodPhishingCheck.String())
	if err != nil {
		return nil, err
	}
	d, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	out["method"] = method
	out["data"] = d
	return out, nil
}

// Payload shapes.

type unlockPayload struct {
	AccountPassword     string `json:"accountPassword"`
	EncryptedPrivateKey []byte `json:"encryptedPrivateKey"`
}

// hexBytes decodes a hex string, as the popup serializes seeds.
type hexBytes []byte

func (h *hexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}
	*h = b
	return nil
}

type generatePayload struct {
	Seed hexBytes `json:"seed"`
}

type accountPayload struct {
	Idx uint32 `json:"idx"`
}

type keypairPayload struct {
	ActiveAccount uint32 `json:"activeAccount"`
}

type phishingCheckParams struct {
	Href string `json:"href"`
}

type allowHostParams struct {
	Hostname string `json:"hostname"`
}

type switchNetworkPayload struct {
	Network string `json:"network"`
}

type tipPayload struct {
	URL string `json:"url"`
}

type errorResult struct {
	Error bool `json:"error"`
}
