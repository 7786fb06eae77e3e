package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContext_HasPermission(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		perm string
		want bool
	}{
		{
			name: "admin role bypasses all checks",
			ctx:  Context{UserRole: "admin"},
			perm: "rooms:delete",
			want: true,
		},
		{
			name: "admin in Roles slice bypasses",
			ctx:  Context{Roles: []string{"member", "admin"}},
			perm: "rooms:delete",
			want: true,
		},
		{
			name: "wildcard permission grants anything",
			ctx:  Context{Permissions: []string{"*:*"}},
			perm: "rooms:delete",
			want: true,
		},
		{
			name: "exact permission match",
			ctx:  Context{Permissions: []string{"rooms:read"}},
			perm: "rooms:read",
			want: true,
		},
		{
			name: "no match",
			ctx:  Context{UserRole: "member", Permissions: []string{"rooms:read"}},
			perm: "rooms:delete",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ctx.HasPermission(tt.perm))
		})
	}
}

func TestContext_HasFeature(t *testing.T) {
	ctx := Context{Features: []string{"collab", "replay"}}
	assert.True(t, ctx.HasFeature("collab"))
	assert.False(t, ctx.HasFeature("sso"))
}

func TestContext_IsAnonymous(t *testing.T) {
	assert.True(t, Context{}.IsAnonymous())
	assert.False(t, Context{UserID: "u1"}.IsAnonymous())
}
