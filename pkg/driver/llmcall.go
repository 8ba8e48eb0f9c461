package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deterministic-agent-lab/gate/pkg/journal"
	"github.com/deterministic-agent-lab/gate/pkg/promptstore"
)

// LLMCallDriver implements the LLM-Call Driver. Payload shape:
// {provider, model, prompt{messages[]}, params?}.
type LLMCallDriver struct {
	Store *promptstore.Store
	Provider promptstore.ProviderFunc
}

type llmCallPrepared struct {
	provider string
	model string
	prompt promptstore.Prompt
}

type llmCallReceipt struct {
	Provider string `json:"provider"`
	Model string `json:"model"`
	Completion string `json:"completion"`
	Tokens int `json:"tokens"`
	RecordedAt string `json:"recordedAt"`
	Source string `json:"source"` // "record" | "replay"
	RecordingPath string `json:"recordingPath,omitempty"`
}

func (LLMCallDriver) Prepare(_ context.Context, payload map[string]interface{}) (journal.Prepared, error) {
	provider, _ := payload["provider"].(string)
	model, _ := payload["model"].(string)
	if provider == "" || model == "" {
		return nil, fmt.Errorf("llmcall: PathInvalid: provider and model are required")
	}

	var prompt promptstore.Prompt
	if pm, ok := payload["prompt"].(map[string]interface{}); ok {
		if msgs, ok := pm["messages"].([]interface{}); ok {
			for _, raw := range msgs {
				if m, ok := raw.(map[string]interface{}); ok {
					role, _ := m["role"].(string)
					content, _ := m["content"].(string)
					prompt.Messages = append(prompt.Messages, promptstore.Message{Role: role, Content: content})
				}
			}
		}
	}
	if params, ok := payload["params"].(map[string]interface{}); ok {
		prompt.Params = params
	}

	return &llmCallPrepared{provider: provider, model: model, prompt: prompt}, nil
}

func (d LLMCallDriver) Commit(_ context.Context, prepared journal.Prepared) (json.RawMessage, error) {
	p := prepared.(*llmCallPrepared)

	switch d.Store.Mode() {
	case promptstore.Record:
		rec, path, err := d.Store.Record(p.provider, p.model, p.prompt, d.Provider)
		if err != nil {
			return nil, fmt.Errorf("llmcall: provider call failed: %w", err)
		}
		receipt := llmCallReceipt{
			Provider: rec.Provider,
			Model: rec.Model,
			Completion: rec.Completion,
			Tokens: len(rec.Tokens),
			RecordedAt: rec.RecordedAt.Format(rfc3339),
			Source: "record",
			RecordingPath: path,
		}
		return json.Marshal(receipt)
	default:
		rec, path, err := d.Store.Next()
		if err != nil {
			return nil, fmt.Errorf("llmcall: replay exhausted: %w", err)
		}
		receipt := llmCallReceipt{
			Provider: rec.Provider,
			Model: rec.Model,
			Completion: rec.Completion,
			Tokens: len(rec.Tokens),
			RecordedAt: rec.RecordedAt.Format(rfc3339),
			Source: "replay",
			RecordingPath: path,
		}
		return json.Marshal(receipt)
	}
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"

// Rollback is a no-op: LLM-call compensation is handled deterministically
// by never reapplying the intent, not by an inverse effect.
func (LLMCallDriver) Rollback(_ context.Context, _ journal.Prepared) error {
	return nil
}

// RevertReceipt is likewise a no-op.
func (LLMCallDriver) RevertReceipt(_ context.Context, _ map[string]interface{}, _ json.RawMessage) error {
	return nil
}
