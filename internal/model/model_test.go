package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRef(t *testing.T) {
	tests := []struct {
		name       string
		ref        SessionRef
		wantLocal  bool
		wantRemote bool
		wantValid  bool
		wantString string
	}{
		{name: "local", ref: Local(3), wantLocal: true, wantValid: true, wantString: "local:3"},
		{name: "remote", ref: Remote(42), wantRemote: true, wantValid: true, wantString: "remote:42"},
		{name: "zero value", ref: SessionRef{}, wantString: "invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, isLocal := tt.ref.LocalID()
			_, isRemote := tt.ref.RemoteID()
			assert.Equal(t, tt.wantLocal, isLocal)
			assert.Equal(t, tt.wantRemote, isRemote)
			assert.Equal(t, tt.wantValid, tt.ref.Valid())
			assert.Equal(t, tt.wantString, tt.ref.String())
		})
	}
}

func TestBleDevice_KeyAndName(t *testing.T) {
	named := BleDevice{Name: Ptr("Bioinfo"), Address: "AA:BB"}
	anon := BleDevice{Address: "AA:BB"}

	assert.NotEqual(t, named.Key(), anon.Key(), "name MUST be part of the dedup key")
	assert.Equal(t, "Bioinfo", named.DisplayName())
	assert.Equal(t, "(unknown)", anon.DisplayName())
}

func TestSessionPatch_Empty(t *testing.T) {
	assert.True(t, SessionPatch{}.Empty())
	assert.False(t, SessionPatch{Title: Ptr("t")}.Empty())
}
