package uma

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/diegoholiveira/jsonlogic/v3"
)

// Scope expressions are JsonLogic rules over scope identifiers, e.g.
// {"and":[{"==":[{"var":"read"},true]},{"==":[{"var":"write"},true]}]}.
// Each var names a scope; evaluation substitutes the per-scope policy verdict.

// IsExpressionValid reports whether the expression parses as a JsonLogic rule.
func IsExpressionValid(expr string) bool {
	if strings.TrimSpace(expr) == "" {
		return false
	}
	return jsonlogic.IsValid(strings.NewReader(expr))
}

// CollectScopeVars returns the distinct scope identifiers referenced by the
// expression's var leaves, in document order.
func CollectScopeVars(expr string) ([]string, error) {
	dec := json.NewDecoder(strings.NewReader(expr))
	dec.UseNumber()
	var out []string
	seen := map[string]struct{}{}
	if err := collectVars(dec, seen, &out); err != nil {
		return nil, fmt.Errorf("scope expression: %w", err)
	}
	return out, nil
}

func collectVars(dec *json.Decoder, seen map[string]struct{}, out *[]string) error {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		delim, ok := tok.(json.Delim)
		if !ok || delim != '{' {
			continue
		}
		if err := collectObjectVars(dec, seen, out); err != nil {
			return err
		}
	}
}

// collectObjectVars is entered after an opening brace and consumes the object,
// recording string values keyed by "var".
func collectObjectVars(dec *json.Decoder, seen map[string]struct{}, out *[]string) error {
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		valTok, err := dec.Token()
		if err != nil {
			return err
		}
		switch v := valTok.(type) {
		case string:
			if key == "var" {
				if _, dup := seen[v]; !dup {
					seen[v] = struct{}{}
					*out = append(*out, v)
				}
			}
		case json.Delim:
			switch v {
			case '{':
				if err := collectObjectVars(dec, seen, out); err != nil {
					return err
				}
			case '[':
				if err := collectArrayVars(dec, seen, out); err != nil {
					return err
				}
			}
		}
	}
	// closing brace
	_, err := dec.Token()
	return err
}

func collectArrayVars(dec *json.Decoder, seen map[string]struct{}, out *[]string) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if delim, ok := tok.(json.Delim); ok {
			switch delim {
			case '{':
				if err := collectObjectVars(dec, seen, out); err != nil {
					return err
				}
			case '[':
				if err := collectArrayVars(dec, seen, out); err != nil {
					return err
				}
			}
		}
	}
	// closing bracket
	_, err := dec.Token()
	return err
}

// EvaluateExpression applies the rule to the per-scope verdicts and returns
// the boolean result. Non-boolean results are an error, which callers treat
// as denial.
func EvaluateExpression(expr string, leafValues map[string]bool) (bool, error) {
	data, err := json.Marshal(leafValues)
	if err != nil {
		return false, fmt.Errorf("scope expression data: %w", err)
	}
	var result bytes.Buffer
	if err := jsonlogic.Apply(strings.NewReader(expr), bytes.NewReader(data), &result); err != nil {
		return false, fmt.Errorf("scope expression apply: %w", err)
	}
	var verdict bool
	if err := json.Unmarshal(bytes.TrimSpace(result.Bytes()), &verdict); err != nil {
		return false, fmt.Errorf("scope expression result %q: %w", result.String(), err)
	}
	return verdict, nil
}
