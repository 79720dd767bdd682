package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestMemberExempt(t *testing.T) {
	roles := []*discordgo.Role{
		{ID: "admin", Permissions: discordgo.PermissionAdministrator},
		{ID: "mod", Permissions: discordgo.PermissionSendMessages},
		{ID: "plain", Permissions: discordgo.PermissionSendMessages},
	}
	tests := []struct {
		name       string
		memberRole []string
		modRoleIDs []string
		want       bool
	}{
		{"no roles", nil, nil, false},
		{"plain role only", []string{"plain"}, nil, false},
		{"admin bit", []string{"admin"}, nil, true},
		{"configured mod role", []string{"mod"}, []string{"mod"}, true},
		{"mod role configured but not held", []string{"plain"}, []string{"mod"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &discordgo.Member{Roles: tt.memberRole}
			if got := memberExempt(m, roles, tt.modRoleIDs); got != tt.want {
				t.Errorf("memberExempt = %v, want %v", got, tt.want)
			}
		})
	}
}
