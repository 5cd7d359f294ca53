//go:build test

package testutils

import (
	"encoding/json"
	"fmt"
	"slices"
	"testing"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in expected JSON matches any actual value.
const PresencePlaceholder = "<<PRESENCE>>"

func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

type JSONAssertOptions struct {
	IgnoreExtraKeys bool     `default:"true"`
	IgnoredFields   []string `default:""`
}

// Option configures a JSONAsserter
type Option func(*JSONAssertOptions)

// WithIgnoreExtraKeys controls whether keys absent from expected are ignored.
func WithIgnoreExtraKeys(ignore bool) Option {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = ignore }
}

// WithIgnoredFields drops the named keys at every level before comparing.
func WithIgnoredFields(fields ...string) Option {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}

// JSONAsserter compares JSON documents and reports a structural diff.
type JSONAsserter struct {
	t       testing.TB
	options JSONAssertOptions
}

func NewJSONAsserter(t testing.TB) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

func (ja *JSONAsserter) WithOptions(opts ...Option) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

// Assert fails the test when actualJSON differs from expectedJSON.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	ja.t.Helper()
	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

// AssertValue marshals actual and compares it to expectedJSON.
func (ja *JSONAsserter) AssertValue(actual any, expectedJSON string) {
	ja.t.Helper()
	ja.Assert(MustJSON(actual), expectedJSON)
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only
	if _, ok := expected.([]any); ok {
		expected = map[string]any{"array": expected}
		actual = map[string]any{"array": actual}
	}

	expected = ja.prepare(expected, actual)
	actual = ja.prepare(actual, nil)
	if ja.options.IgnoreExtraKeys {
		actual = pruneTo(actual, expected)
	}

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)

	d, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !d.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, _ := f.Format(d)
	return out
}

// prepare removes ignored fields and, when actual is given, replaces
// presence placeholders in v with the matching actual value.
func (ja *JSONAsserter) prepare(v, actual any) any {
	switch t := v.(type) {
	case map[string]any:
		act, _ := actual.(map[string]any)
		for k, val := range t {
			if slices.Contains(ja.options.IgnoredFields, k) {
				delete(t, k)
				continue
			}
			av, present := act[k]
			if s, ok := val.(string); ok && s == PresencePlaceholder && present {
				t[k] = av
				continue
			}
			t[k] = ja.prepare(val, av)
		}
	case []any:
		act, _ := actual.([]any)
		for i := range t {
			var av any
			if i < len(act) {
				av = act[i]
			}
			t[i] = ja.prepare(t[i], av)
		}
	}
	return v
}

// pruneTo drops keys of actual that expected does not mention.
func pruneTo(actual, expected any) any {
	switch a := actual.(type) {
	case map[string]any:
		e, ok := expected.(map[string]any)
		if !ok {
			return actual
		}
		for k, v := range a {
			ev, keep := e[k]
			if !keep {
				delete(a, k)
				continue
			}
			a[k] = pruneTo(v, ev)
		}
	case []any:
		e, ok := expected.([]any)
		if !ok {
			return actual
		}
		for i := range a {
			if i < len(e) {
				a[i] = pruneTo(a[i], e[i])
			}
		}
	}
	return actual
}
