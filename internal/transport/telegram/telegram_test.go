package telegram

import (
	"strings"
	"testing"
)

func TestParseChatID(t *testing.T) {
	id, err := parseChatID(" -1001234567890 ")
	if err != nil {
		t.Fatalf("parseChatID: %v", err)
	}
	if id != -1001234567890 {
		t.Fatalf("id = %d, want -1001234567890", id)
	}

	if _, err := parseChatID("general"); err == nil {
		t.Fatalf("expected error for non-numeric chat id")
	}
}

func TestSplitTelegramTextShort(t *testing.T) {
	got := splitTelegramText("hello", 100, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %#v, want single chunk", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	text := strings.Repeat("a", 50) + "\n" + strings.Repeat("b", 50) + "\n" + strings.Repeat("c", 50)
	chunks := splitTelegramText(text, 120, "")
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2 (%#v)", len(chunks), chunks)
	}
	if !strings.HasSuffix(chunks[0], strings.Repeat("b", 50)) {
		t.Fatalf("first chunk should end at a line boundary, got %q", chunks[0])
	}
	if chunks[1] != strings.Repeat("c", 50) {
		t.Fatalf("second chunk = %q", chunks[1])
	}
	for _, c := range chunks {
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk has dangling newline: %q", c)
		}
	}
}

func TestSplitTelegramTextAvoidsTagSplitHTML(t *testing.T) {
	// The window boundary lands inside <code>. In HTML mode the split must
	// back off to before the tag opens.
	text := strings.Repeat("x", 95) + "<code>abcdef</code>" + strings.Repeat("y", 40)
	chunks := splitTelegramText(text, 100, "HTML")
	if len(chunks) < 2 {
		t.Fatalf("expected a split, got %#v", chunks)
	}
	for _, c := range chunks {
		if strings.Count(c, "<") != strings.Count(c, ">") {
			t.Fatalf("chunk splits a tag: %q", c)
		}
	}
}

func TestSplitTelegramTextCoversAllInput(t *testing.T) {
	text := strings.Repeat("line one\nline two\n", 400)
	chunks := splitTelegramText(text, telegramTextLimit, "")
	var total int
	for _, c := range chunks {
		if len([]rune(c)) > telegramTextLimit {
			t.Fatalf("chunk exceeds limit: %d runes", len([]rune(c)))
		}
		total += len(c)
	}
	// Newlines trimmed at chunk edges are the only acceptable loss.
	if total < len(text)-len(chunks)*2 {
		t.Fatalf("content lost in split: total=%d orig=%d chunks=%d", total, len(text), len(chunks))
	}
}
