package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Fingerprint derives the deterministic cache key for a query: agent id,
// canonicalized prompt, and sorted feature list. Two queries that differ
// only in prompt whitespace or feature order share a fingerprint.
func Fingerprint(agentID, prompt string, features []string) string {
	sorted := make([]string, len(features))
	copy(sorted, features)
	sort.Strings(sorted)

	key := struct {
		AgentID  string   `json:"agent_id"`
		Prompt   string   `json:"prompt"`
		Features []string `json:"features"`
	}{
		AgentID:  agentID,
		Prompt:   canonicalizePrompt(prompt),
		Features: sorted,
	}

	data, _ := json.Marshal(key)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// canonicalizePrompt trims and collapses runs of whitespace. Case is
// preserved: prompts are model input, and changing case changes meaning.
func canonicalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(prompt), " ")
}
