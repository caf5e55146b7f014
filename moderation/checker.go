// Package moderation classifies generated text as safe or unsafe.
package moderation

import (
	"context"
	"fmt"
	"strings"

	"github.com/brightboard/tutorengine/llm"
)

// Checker classifies an unchecked answer fragment in the context of the
// assembled question. It returns true when the fragment is unsafe.
type Checker interface {
	Check(ctx context.Context, question, fragment string) (bool, error)
}

const classifyPrompt = `You are a strict content safety classifier for a tutoring platform used by students.
Given a question and a fragment of a generated answer, reply with exactly one word:
UNSAFE if the fragment contains harmful, explicit, hateful, or dangerous content,
SAFE otherwise.

Question:
%s

Answer fragment:
%s`

// LLMChecker implements Checker with a non-streaming model call.
type LLMChecker struct {
	client llm.Client
}

// NewLLMChecker creates a checker backed by the given client.
func NewLLMChecker(client llm.Client) *LLMChecker {
	return &LLMChecker{client: client}
}

// Check implements Checker.
func (c *LLMChecker) Check(ctx context.Context, question, fragment string) (bool, error) {
	if strings.TrimSpace(fragment) == "" {
		return false, nil
	}
	resp, err := c.client.Completion(ctx, fmt.Sprintf(classifyPrompt, question, fragment))
	if err != nil {
		return false, fmt.Errorf("moderation call: %w", err)
	}
	verdict := strings.ToUpper(strings.TrimSpace(resp.Content))
	return strings.HasPrefix(verdict, "UNSAFE"), nil
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, question, fragment string) (bool, error)

// Check implements Checker.
func (f CheckerFunc) Check(ctx context.Context, question, fragment string) (bool, error) {
	return f(ctx, question, fragment)
}
