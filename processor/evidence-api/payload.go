package evidenceapi

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semgate/pipeline"
	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
)

func init() {
	// Register payload types for message deserialization
	_ = component.RegisterPayload(&component.PayloadRegistration{
		Domain:      "evidence",
		Category:    "assemble",
		Version:     "v1",
		Description: "Evidence assembly request payload",
		Factory:     func() any { return &AssembleRequestPayload{} },
	})
	_ = component.RegisterPayload(&component.PayloadRegistration{
		Domain:      "evidence",
		Category:    "assembled",
		Version:     "v1",
		Description: "Evidence assembly response payload",
		Factory:     func() any { return &AssembleResponsePayload{} },
	})
}

// AssembleRequestType is the message type for assembly requests.
var AssembleRequestType = message.Type{
	Domain:   "evidence",
	Category: "assemble",
	Version:  "v1",
}

// AssembleResponseType is the message type for assembly responses.
var AssembleResponseType = message.Type{
	Domain:   "evidence",
	Category: "assembled",
	Version:  "v1",
}

// AssembleRequestPayload carries one assembly request over NATS.
type AssembleRequestPayload struct {
	pipeline.Request
}

// Schema returns the message type for this payload.
func (p *AssembleRequestPayload) Schema() message.Type {
	return AssembleRequestType
}

// Validate validates the payload.
func (p *AssembleRequestPayload) Validate() error {
	if p.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	return p.Request.Validate()
}

// MarshalJSON marshals the payload to JSON.
func (p *AssembleRequestPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Request)
}

// UnmarshalJSON unmarshals the payload from JSON.
func (p *AssembleRequestPayload) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.Request)
}

// AssembleResponsePayload carries one assembly response over NATS. Error is
// set instead of the response fields when the pipeline failed.
type AssembleResponsePayload struct {
	pipeline.Response
	Error string `json:"error,omitempty"`
}

// Schema returns the message type for this payload.
func (p *AssembleResponsePayload) Schema() message.Type {
	return AssembleResponseType
}

// Validate validates the payload.
func (p *AssembleResponsePayload) Validate() error {
	if p.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if p.Answer == "" && p.Error == "" {
		return fmt.Errorf("either answer or error is required")
	}
	return nil
}

// MarshalJSON marshals the payload to JSON.
func (p *AssembleResponsePayload) MarshalJSON() ([]byte, error) {
	type Alias AssembleResponsePayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON unmarshals the payload from JSON.
func (p *AssembleResponsePayload) UnmarshalJSON(data []byte) error {
	type Alias AssembleResponsePayload
	return json.Unmarshal(data, (*Alias)(p))
}
