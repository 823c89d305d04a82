package domain

import "testing"

func TestContentPieceIsDataURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want bool
	}{
		{"data url", "data:image/png;base64,abc123", true},
		{"cdn url", "https://cdn.example.com/pieces/a.png", false},
		{"empty", "", false},
		{"short string under prefix length", "data", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ContentPiece{URL: tt.url}
			if got := p.IsDataURL(); got != tt.want {
				t.Errorf("IsDataURL() = %v, want %v", got, tt.want)
			}
		})
	}
}
