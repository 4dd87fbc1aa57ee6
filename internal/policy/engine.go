// Package policy evaluates whether the server accepts a send.
package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
)

// Decision values.
const (
	DecisionAllow  = "allow"
	DecisionReject = "reject"
)

// SendInput is the document a send is evaluated against.
type SendInput struct {
	From             string `json:"from"`
	To               string `json:"to"`
	Kind             string `json:"kind"`
	Content          string `json:"content"`
	MediaRef         string `json:"media_ref"`
	MaxContentLength int    `json:"max_content_length"`
}

func (in SendInput) toMap() map[string]interface{} {
	return map[string]interface{}{
		"from":               in.From,
		"to":                 in.To,
		"kind":               in.Kind,
		"content":            in.Content,
		"media_ref":          in.MediaRef,
		"max_content_length": in.MaxContentLength,
	}
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.send_policy.deny"),
		rego.Module("send_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks a send against the policy.
// Returns the decision and, when rejected, the first reason in sorted order.
func (e *Engine) Evaluate(ctx context.Context, input SendInput) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input.toMap()))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, "", nil
	}

	raw, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok {
		return "", "", fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
	}

	reasons := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			reasons = append(reasons, s)
		}
	}
	if len(reasons) == 0 {
		return DecisionAllow, "", nil
	}
	sort.Strings(reasons)
	return DecisionReject, reasons[0], nil
}

// DefaultPolicy is the default send policy.
const DefaultPolicy = `
package send_policy

valid_kinds = {"text", "image"}

deny[msg] {
	input.from == input.to
	msg := "cannot send to yourself"
}

deny[msg] {
	input.to == ""
	msg := "recipient is required"
}

deny[msg] {
	not valid_kinds[input.kind]
	msg := "unsupported kind"
}

deny[msg] {
	input.kind == "text"
	trim_space(input.content) == ""
	msg := "text message is empty"
}

deny[msg] {
	input.kind == "image"
	input.media_ref == ""
	msg := "image message has no media reference"
}

deny[msg] {
	input.max_content_length > 0
	count(input.content) > input.max_content_length
	msg := "content too long"
}
`
