package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "full custom uuid", input: "4F2D7B8E-23B9-4BC7-905F-A8E3D7841F6A", expected: "4f2d7b8e23b94bc7905fa8e3d7841f6a"},
		{name: "sig base uuid", input: "0000181a-0000-1000-8000-00805f9b34fb", expected: "181a"},
		{name: "short uuid", input: "181A", expected: "181a"},
		{name: "hex prefix", input: "0x2902", expected: "2902"},
		{name: "braces", input: "{93e89c7d-65e3-41e6-b59f-1f3a6478de45}", expected: "93e89c7d65e341e6b59f1f3a6478de45"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestSameUUID(t *testing.T) {
	assert.True(t, SameUUID("181a", "0000181A-0000-1000-8000-00805F9B34FB"))
	assert.False(t, SameUUID(RequestCharUUID, ResponseCharUUID))
}
