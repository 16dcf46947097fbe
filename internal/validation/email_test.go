package validation

import "testing"

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		name  string
		email string
		valid bool
	}{
		{
			name:  "simple address",
			email: "user@example.com",
			valid: true,
		},
		{
			name:  "plus and dots",
			email: "first.last+shop@mail.example.org",
			valid: true,
		},
		{
			name:  "local host without tld",
			email: "admin@localhost",
			valid: true,
		},
		{
			name:  "no at sign",
			email: "not-an-email",
			valid: false,
		},
		{
			name:  "empty domain",
			email: "user@",
			valid: false,
		},
		{
			name:  "surrounding spaces",
			email: " user@example.com ",
			valid: false,
		},
		{
			name:  "double at",
			email: "a@b@c.com",
			valid: false,
		},
		{
			name:  "empty string",
			email: "",
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidEmail(tt.email)
			if got != tt.valid {
				t.Fatalf("IsValidEmail(%q) = %v, want %v", tt.email, got, tt.valid)
			}
		})
	}
}
