package tools

import (
	"context"
	"encoding/json"
	"testing"
)

func TestCalculatorExecute(t *testing.T) {
	c := &CalculatorTool{}
	cases := []struct {
		expr string
		want string
	}{
		{"2+2*3", "8"},
		{"(1+2)*4", "12"},
		{"10/4", "2.5"},
	}
	for _, tc := range cases {
		args, _ := json.Marshal(map[string]string{"expression": tc.expr})
		res, err := c.Execute(context.Background(), args)
		if err != nil {
			t.Fatalf("%s: %v", tc.expr, err)
		}
		if res.Content != tc.want {
			t.Fatalf("%s = %s, want %s", tc.expr, res.Content, tc.want)
		}
	}
}

func TestCalculatorDivisionByZero(t *testing.T) {
	c := &CalculatorTool{}
	args, _ := json.Marshal(map[string]string{"expression": "1/0"})
	if _, err := c.Execute(context.Background(), args); err == nil {
		t.Fatalf("expected division-by-zero error")
	}
}

func TestCalculatorRejectsNonArithmetic(t *testing.T) {
	c := &CalculatorTool{}
	args, _ := json.Marshal(map[string]string{"expression": `os.Exit(1)`})
	if _, err := c.Execute(context.Background(), args); err == nil {
		t.Fatalf("expected unsupported-expression error")
	}
}
