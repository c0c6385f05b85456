package store

import "testing"

func TestExtractLinks(t *testing.T) {
	tests := []struct {
		text string
		want []Link
	}{
		{"no links here", nil},
		{"go to https://Example.COM/path.", []Link{{"https://Example.COM/path", "example.com"}}},
		{"www.golang.org and (https://en.wikipedia.org/wiki/Go_(language))", []Link{
			{"www.golang.org", "golang.org"},
			{"https://en.wikipedia.org/wiki/Go_(language)", "en.wikipedia.org"},
		}},
		{"dup https://a.io/x https://a.io/x", []Link{{"https://a.io/x", "a.io"}}},
		{"http://localhost:8080/status", []Link{{"http://localhost:8080/status", "localhost"}}},
	}
	for _, tt := range tests {
		got := ExtractLinks(tt.text)
		if len(got) != len(tt.want) {
			t.Fatalf("ExtractLinks(%q) = %+v, want %+v", tt.text, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("ExtractLinks(%q)[%d] = %+v, want %+v", tt.text, i, got[i], tt.want[i])
			}
		}
	}
}
