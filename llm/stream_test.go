package llm

import "testing"

func TestToolCallAccumulatorFirstAppearanceOrder(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.Start("b", "beta")
	acc.Append("b", `{"x":`)
	acc.Start("a", "alpha")
	acc.Append("a", `{}`)
	acc.Append("b", `1}`)

	calls := acc.Calls()
	if len(calls) != 2 {
		t.Fatalf("len = %d, want 2", len(calls))
	}
	if calls[0].ID != "b" || calls[0].Name != "beta" || calls[0].Arguments != `{"x":1}` {
		t.Fatalf("calls[0] = %+v", calls[0])
	}
	if calls[1].ID != "a" || calls[1].Arguments != `{}` {
		t.Fatalf("calls[1] = %+v", calls[1])
	}
}

func TestToolCallAccumulatorImplicitStart(t *testing.T) {
	acc := NewToolCallAccumulator()
	// Some providers deliver the first fragment before the name.
	acc.Append("x", `{"a"`)
	acc.Start("x", "tool_x")
	acc.Append("x", `:1}`)

	calls := acc.Calls()
	if len(calls) != 1 {
		t.Fatalf("len = %d", len(calls))
	}
	if calls[0].Name != "tool_x" || calls[0].Arguments != `{"a":1}` {
		t.Fatalf("calls[0] = %+v", calls[0])
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}
	u.Add(Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30})
	if u.PromptTokens != 11 || u.CompletionTokens != 22 || u.TotalTokens != 33 {
		t.Fatalf("usage = %+v", u)
	}
}

func TestMessageText(t *testing.T) {
	m := Message{Role: RoleAssistant, Content: []ContentNode{
		{Kind: ContentText, Text: "a"},
		{Kind: ContentImage, URL: "https://img"},
		{Kind: ContentText, Text: "b"},
	}}
	if got := m.Text(); got != "ab" {
		t.Fatalf("text = %q", got)
	}
}

func TestFaultError(t *testing.T) {
	f := &Fault{Kind: FaultRateLimited}
	if f.Error() != "rate_limited" {
		t.Fatalf("error = %q", f.Error())
	}
}
