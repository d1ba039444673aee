package render

import (
	"strings"
	"testing"
)

func TestCount(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{12345678, "12,345,678"},
		{-45000, "-45,000"},
	}
	for _, tt := range tests {
		if got := Count(tt.n); got != tt.want {
			t.Fatalf("Count(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestDelta(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n    int64
		want string
	}{
		{60000, "+60,000"},
		{0, "+0"},
		{-1234, "-1,234"},
	}
	for _, tt := range tests {
		if got := Delta(tt.n); got != tt.want {
			t.Fatalf("Delta(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestPerHour(t *testing.T) {
	t.Parallel()
	if got := PerHour(2500); got != "2,500/h" {
		t.Fatalf("PerHour(2500) = %q", got)
	}
	if got := PerHour(3.25); got != "3.2/h" {
		t.Fatalf("PerHour(3.25) = %q", got)
	}
	if got := PerHour(-5); got != "0/h" {
		t.Fatalf("PerHour(-5) = %q", got)
	}
}

func TestEscAndWrappers(t *testing.T) {
	t.Parallel()
	if got := Esc("<b> & co").String(); got != "&lt;b&gt; &amp; co" {
		t.Fatalf("Esc = %q", got)
	}
	if got := B("x<y").String(); got != "<b>x&lt;y</b>" {
		t.Fatalf("B = %q", got)
	}
	if got := Code("a&b").String(); got != "<code>a&amp;b</code>" {
		t.Fatalf("Code = %q", got)
	}
	if got := Link("title", `http://e/?a=1&b="2"`).String(); strings.Contains(got, `&b="2"`) {
		t.Fatalf("Link did not escape attribute: %q", got)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 4, "hell…"},
		{"한국어 텍스트", 3, "한국어…"},
		{"x", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncRunes(tt.in, tt.n); got != tt.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestBuilderHTMLEscapes(t *testing.T) {
	t.Parallel()
	m := New().
		Title("📈", "My <Video>").
		KV("Views", "12,345,678").
		Line("raw & text").
		Build()

	if m.Opt.ParseMode != "HTML" || !m.Opt.DisablePreview {
		t.Fatalf("opt = %+v, want HTML + preview disabled", m.Opt)
	}
	if !strings.Contains(m.Text, "<b>My &lt;Video&gt;</b>") {
		t.Fatalf("title not escaped: %q", m.Text)
	}
	if !strings.Contains(m.Text, "raw &amp; text") {
		t.Fatalf("line not escaped: %q", m.Text)
	}
}

func TestBuilderPlainMode(t *testing.T) {
	t.Parallel()
	m := Plain().
		Title("", "My <Video>").
		KV("Views", "42").
		Build()

	if m.Opt.ParseMode != "" {
		t.Fatalf("parse mode = %q, want empty", m.Opt.ParseMode)
	}
	if strings.Contains(m.Text, "<b>") || strings.Contains(m.Text, "&lt;") {
		t.Fatalf("plain mode must not emit HTML: %q", m.Text)
	}
	if !strings.Contains(m.Text, "• Views: 42") {
		t.Fatalf("KV row missing: %q", m.Text)
	}
}

func TestForPicksModeByPlatform(t *testing.T) {
	t.Parallel()
	if got := For("telegram").Build().Opt.ParseMode; got != "HTML" {
		t.Fatalf("telegram parse mode = %q", got)
	}
	if got := For("slack").Build().Opt.ParseMode; got != "" {
		t.Fatalf("slack parse mode = %q", got)
	}
}
