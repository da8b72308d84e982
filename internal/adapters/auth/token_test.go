package auth

import "testing"

func TestTokenAuth(t *testing.T) {
	tests := []struct {
		name       string
		configured []string
		token      string
		want       bool
	}{
		{"first token", []string{"admin-a", "admin-b"}, "admin-a", true},
		{"second token", []string{"admin-a", "admin-b"}, "admin-b", true},
		{"unknown token", []string{"admin-a"}, "admin-c", false},
		{"prefix of a token", []string{"admin-a"}, "admin", false},
		{"empty token", []string{"admin-a"}, "", false},
		{"nothing configured", nil, "anything", false},
		{"blank entries ignored", []string{"", ""}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewTokenAuth(tt.configured).ValidateToken(tt.token); got != tt.want {
				t.Errorf("ValidateToken(%q) = %v, want %v", tt.token, got, tt.want)
			}
		})
	}
}
