package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/deterministic-agent-lab/gate/pkg/policy"
)

// harDocument is the subset of the HTTP Archive (HAR) format this core
// reads from a bundle's network.har component.
type harDocument struct {
	Log struct {
		Entries []struct {
			Request struct {
				Method string `json:"method"`
				URL string `json:"url"`
			} `json:"request"`
		} `json:"entries"`
	} `json:"log"`
}

// parseNetworkEntries extracts the {method, url} pairs the Policy Engine
// evaluates network allow rules against.
func parseNetworkEntries(har []byte) ([]policy.NetworkEntry, error) {
	var doc harDocument
	if err := json.Unmarshal(har, &doc); err != nil {
		return nil, fmt.Errorf("orchestrator: parse network.har: %w", err)
	}
	out := make([]policy.NetworkEntry, 0, len(doc.Log.Entries))
	for _, e := range doc.Log.Entries {
		out = append(out, policy.NetworkEntry{URL: e.Request.URL, Method: e.Request.Method})
	}
	return out, nil
}
