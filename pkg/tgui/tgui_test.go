package tgui

import (
	"strings"
	"testing"
	"time"
)

func TestEscAndFragments(t *testing.T) {
	if got := Esc(`<b> & "x"`).String(); got != "&lt;b&gt; &amp; &#34;x&#34;" {
		t.Fatalf("Esc = %q", got)
	}
	if got := B("a<b").String(); got != "<b>a&lt;b</b>" {
		t.Fatalf("B = %q", got)
	}
	if got := Code("x&y").String(); got != "<code>x&amp;y</code>" {
		t.Fatalf("Code = %q", got)
	}
	link := Link(`v1.0 <new>`, `https://example.com/?a=1&b=2`).String()
	if !strings.Contains(link, "&amp;b=2") || !strings.Contains(link, "&lt;new&gt;") {
		t.Fatalf("Link not escaped: %q", link)
	}
}

func TestBuilderEscapesLinesButNotRaw(t *testing.T) {
	msg := New().
		Title("", "Releases").
		Line("a <script> line").
		RawLine(B("bold").String()).
		KV("repo", "acme/widget").
		Build()

	if strings.Contains(msg.Text, "<script>") {
		t.Fatalf("Line content not escaped: %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "<b>bold</b>") {
		t.Fatalf("RawLine was mangled: %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "<b>repo</b>: acme/widget") {
		t.Fatalf("KV row missing: %q", msg.Text)
	}
	if msg.Opt == nil || msg.Opt.ParseMode != "HTML" || !msg.Opt.DisablePreview {
		t.Fatalf("unexpected options: %+v", msg.Opt)
	}
}

func TestDataFormat(t *testing.T) {
	if got := Data("rel", "unsub", "github:acme/widget"); got != "rel:unsub:github:acme/widget" {
		t.Fatalf("Data = %q", got)
	}
	if got := Data("rel", "noop", ""); got != "rel:noop" {
		t.Fatalf("Data = %q", got)
	}
}

func TestTokenStoreRoundTrip(t *testing.T) {
	s := NewTokenStore()
	tok := s.Put("gitlab:very-long-group/very-long-project-name")
	if !strings.HasPrefix(tok, "~") || strings.Contains(tok, ":") {
		t.Fatalf("token %q must start with '~' and contain no ':'", tok)
	}
	if len(tok) > MaxCallbackDataLen/2 {
		t.Fatalf("token too long for callback data: %q", tok)
	}
	got, ok := s.Get(tok)
	if !ok || got != "gitlab:very-long-group/very-long-project-name" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	if _, ok := s.Get("~missing"); ok {
		t.Fatal("unknown token resolved")
	}
}

func TestTokenStoreExpiry(t *testing.T) {
	s := NewTokenStore().WithTTL(time.Nanosecond)
	tok := s.Put("payload")
	time.Sleep(2 * time.Millisecond)
	if _, ok := s.Get(tok); ok {
		t.Fatal("expired token resolved")
	}
}

func TestTruncRunes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 4, "hell…"},
		{"héllo", 3, "hél…"},
		{"", 3, ""},
		{"abc", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncRunes(tt.in, tt.n); got != tt.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
