package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hrygo/galaxy/planner/editor"
)

// Status is the planner's per-turn verdict.
type Status string

const (
	StatusContinue Status = "CONTINUE"
	StatusFinish   Status = "FINISH"
	StatusFail     Status = "FAIL"
)

// Response is the structured shape every planner reply must parse into.
type Response struct {
	Thought   string        `json:"thought"`
	Response  string        `json:"response"`
	Status    Status        `json:"status"`
	ToolCalls []editor.Call `json:"tool_calls"`
}

// parseResponse decodes a raw LLM reply. Models wrap JSON in markdown code
// fences often enough that stripping them here is cheaper than prompting
// against it.
func parseResponse(raw string) (*Response, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var resp Response
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return nil, fmt.Errorf("parse planner response: %w", err)
	}
	switch resp.Status {
	case StatusContinue, StatusFinish, StatusFail:
	default:
		return nil, fmt.Errorf("planner status %q not in {CONTINUE, FINISH, FAIL}", resp.Status)
	}
	return &resp, nil
}
