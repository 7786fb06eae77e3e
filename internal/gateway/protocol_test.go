package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidChannelName(t *testing.T) {
	cases := []struct {
		name string
		ch   string
		want bool
	}{
		{"well formed", "org:acme:chat", true},
		{"nested segments", "org:acme:room:lobby", true},
		{"missing org prefix", "acme:chat", false},
		{"empty org id", "org::chat", false},
		{"whitespace in suffix", "org:acme:chat room", false},
		{"no trailing segment", "org:acme:", false},
		{"completely empty", "", false},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidChannelName(tt.ch))
		})
	}
}

func TestPermissionFor(t *testing.T) {
	perm, ok := PermissionFor(FrameSubscribe)
	assert.True(t, ok)
	assert.Equal(t, "channel:read", perm)

	perm, ok = PermissionFor(FramePublish)
	assert.True(t, ok)
	assert.Equal(t, "event:create", perm)

	perm, ok = PermissionFor(FrameOperation)
	assert.True(t, ok)
	assert.Equal(t, "room:write", perm)

	_, ok = PermissionFor(FramePing)
	assert.False(t, ok)
}
