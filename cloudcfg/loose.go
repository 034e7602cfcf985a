package cloudcfg

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// evalTimeout bounds evaluation of a pasted object literal.
const evalTimeout = 200 * time.Millisecond

// parseLoose accepts strict JSON or a JavaScript object literal as found in
// a web app's config snippet (`const firebaseConfig = { apiKey: '...', };`):
// unquoted keys, single quotes, trailing commas and comments are fine.
// The literal is evaluated in an empty goja runtime with a time limit.
func parseLoose(text string) (map[string]any, error) {
	body, err := extractObject(text)
	if err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(body), &fields); err == nil {
		return fields, nil
	}

	vm := goja.New()
	timer := time.AfterFunc(evalTimeout, func() { vm.Interrupt("timeout") })
	defer timer.Stop()

	v, err := vm.RunString("(" + body + ")")
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, &ConfigError{Kind: MalformedInput, Err: errors.New("evaluation timed out")}
		}
		return nil, &ConfigError{Kind: MalformedInput, Err: err}
	}
	obj, ok := v.Export().(map[string]any)
	if !ok {
		return nil, &ConfigError{Kind: MalformedInput, Err: fmt.Errorf("not an object literal")}
	}
	return normalize(obj), nil
}

// extractObject returns the outermost {...} of text.
func extractObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return "", &ConfigError{Kind: MalformedInput, Err: errors.New("no object found")}
	}
	return text[start : end+1], nil
}

// normalize maps goja's exported integers onto float64 like encoding/json.
func normalize(m map[string]any) map[string]any {
	for k, v := range m {
		if n, ok := v.(int64); ok {
			m[k] = float64(n)
		}
	}
	return m
}
