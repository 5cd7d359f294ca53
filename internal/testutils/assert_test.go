//go:build test

package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingT struct {
	testing.TB
	failures []string
}

func (r *recordingT) Helper() {}

func (r *recordingT) Errorf(format string, args ...any) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func TestJSONAsserter(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		opts     []Option
		wantFail bool
	}{
		{name: "equal", actual: `{"a":1}`, expected: `{"a":1}`},
		{name: "extra keys ignored", actual: `{"a":1,"b":2}`, expected: `{"a":1}`},
		{name: "extra keys strict", actual: `{"a":1,"b":2}`, expected: `{"a":1}`, opts: []Option{WithIgnoreExtraKeys(false)}, wantFail: true},
		{name: "value differs", actual: `{"a":1}`, expected: `{"a":2}`, wantFail: true},
		{name: "presence placeholder", actual: `{"id":"x-123"}`, expected: `{"id":"<<PRESENCE>>"}`},
		{name: "presence requires key", actual: `{}`, expected: `{"id":"<<PRESENCE>>"}`, wantFail: true},
		{name: "ignored field", actual: `{"a":1,"ts":5}`, expected: `{"a":1,"ts":9}`, opts: []Option{WithIgnoredFields("ts")}},
		{name: "root arrays", actual: `[{"a":1,"x":0}]`, expected: `[{"a":1}]`},
		{name: "root array length", actual: `[1,2]`, expected: `[1]`, wantFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &recordingT{TB: t}
			NewJSONAsserter(rt).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			assert.Equal(t, tt.wantFail, len(rt.failures) > 0, "failures: %v", rt.failures)
		})
	}
}

func TestTextAsserter(t *testing.T) {
	rt := &recordingT{TB: t}
	NewTextAsserter(rt).Assert("a  \nb\n", "a\nb")
	assert.Empty(t, rt.failures, "trailing whitespace MUST be ignored by default")

	NewTextAsserter(rt).Assert("a\nc", "a\nb")
	if assert.Len(t, rt.failures, 1) {
		assert.Contains(t, rt.failures[0], "-b")
		assert.Contains(t, rt.failures[0], "+c")
	}
}
