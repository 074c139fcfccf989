package evidenceapi

import (
	"fmt"
	"reflect"

	"github.com/c360studio/semstreams/component"
)

// evidenceAPISchema defines the configuration schema.
var evidenceAPISchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the evidence API processor component.
type Config struct {
	// StreamName is the JetStream stream for consuming assembly requests.
	StreamName string `json:"stream_name" schema:"type:string,description:JetStream stream for evidence requests,category:basic,default:EVIDENCE"`

	// ConsumerName is the durable consumer name for request consumption.
	ConsumerName string `json:"consumer_name" schema:"type:string,description:Durable consumer name for evidence requests,category:basic,default:evidence-api"`

	// InputSubjectPattern is the subject pattern for assembly requests.
	InputSubjectPattern string `json:"input_subject_pattern" schema:"type:string,description:Subject pattern for assembly requests,category:basic,default:evidence.assemble.>"`

	// OutputSubjectPrefix is the subject prefix for assembled responses.
	OutputSubjectPrefix string `json:"output_subject_prefix" schema:"type:string,description:Subject prefix for assembled responses,category:basic,default:evidence.assembled"`

	// GraphGatewayURL is the URL of the graph gateway for neighborhood queries.
	GraphGatewayURL string `json:"graph_gateway_url" schema:"type:string,description:Graph gateway URL for neighborhood expansion,category:basic,default:http://localhost:8082"`

	// PoliciesPath is the path to the role profiles file.
	PoliciesPath string `json:"policies_path" schema:"type:string,description:Path to role profile definitions,category:basic,default:configs/policies.yaml"`

	// LLMBaseURL is the answer-generation endpoint. Empty disables generation
	// and every request takes the deterministic fallback path.
	LLMBaseURL string `json:"llm_base_url" schema:"type:string,description:OpenAI-compatible endpoint for answer generation,category:basic"`

	// LLMModel is the model name sent to the generation endpoint.
	LLMModel string `json:"llm_model" schema:"type:string,description:Model name for answer generation,category:basic"`

	// LLMAPIKeyEnv names the environment variable holding the generation API key.
	LLMAPIKeyEnv string `json:"llm_api_key_env" schema:"type:string,description:Environment variable holding the generation API key,category:advanced,default:SEMGATE_LLM_API_KEY"`

	// BudgetBytes is the serialized-size budget for included evidence.
	BudgetBytes int `json:"budget_bytes" schema:"type:int,description:Serialized-size budget for included evidence,category:advanced,default:16384,min:1024,max:1048576"`

	// TimeoutSeconds bounds one request end to end.
	TimeoutSeconds int `json:"timeout_seconds" schema:"type:int,description:End-to-end request timeout in seconds,category:advanced,default:30,min:1,max:300"`

	// ResponseBucketName is the KV bucket for storing responses for HTTP queries.
	ResponseBucketName string `json:"response_bucket_name" schema:"type:string,description:KV bucket for assembly responses,category:advanced,default:EVIDENCE_RESPONSES"`

	// ResponseTTLHours is the TTL for stored responses.
	ResponseTTLHours int `json:"response_ttl_hours" schema:"type:int,description:TTL for stored responses in hours,category:advanced,default:24,min:1,max:168"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:          "EVIDENCE",
		ConsumerName:        "evidence-api",
		InputSubjectPattern: "evidence.assemble.>",
		OutputSubjectPrefix: "evidence.assembled",
		GraphGatewayURL:     "http://localhost:8082",
		PoliciesPath:        "configs/policies.yaml",
		LLMAPIKeyEnv:        "SEMGATE_LLM_API_KEY",
		BudgetBytes:         16384,
		TimeoutSeconds:      30,
		ResponseBucketName:  "EVIDENCE_RESPONSES",
		ResponseTTLHours:    24,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "assembly-requests",
					Type:        "jetstream",
					Subject:     "evidence.assemble.>",
					StreamName:  "EVIDENCE",
					Description: "Receive evidence assembly requests",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "assembly-responses",
					Type:        "nats",
					Subject:     "evidence.assembled.>",
					Description: "Publish assembled evidence responses",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.InputSubjectPattern == "" {
		return fmt.Errorf("input_subject_pattern is required")
	}
	if c.OutputSubjectPrefix == "" {
		return fmt.Errorf("output_subject_prefix is required")
	}
	if c.GraphGatewayURL == "" {
		return fmt.Errorf("graph_gateway_url is required")
	}
	if c.PoliciesPath == "" {
		return fmt.Errorf("policies_path is required")
	}
	if c.BudgetBytes <= 0 {
		return fmt.Errorf("budget_bytes must be positive")
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive")
	}
	if c.LLMBaseURL != "" && c.LLMModel == "" {
		return fmt.Errorf("llm_model is required when llm_base_url is set")
	}
	return nil
}
