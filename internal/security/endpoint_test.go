package security

import "testing"

func TestValidateEndpointURL(t *testing.T) {
	// IP-literal hosts avoid DNS lookups in tests.
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"public https", "https://203.0.113.10/hooks", false},
		{"public http", "http://203.0.113.10:8080/hooks", false},
		{"loopback", "https://127.0.0.1/hooks", true},
		{"private", "https://10.0.0.5/hooks", true},
		{"link local", "https://169.254.169.254/latest/meta-data", true},
		{"unspecified", "https://0.0.0.0/", true},
		{"localhost", "https://localhost/hooks", true},
		{"metadata host", "https://metadata.google.internal/", true},
		{"bad scheme", "ftp://203.0.113.10/", true},
		{"no host", "https:///hooks", true},
		{"garbage", "://not a url", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateEndpointURL(tc.url)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateEndpointURL(%q) error = %v, wantErr %v", tc.url, err, tc.wantErr)
			}
		})
	}
}
