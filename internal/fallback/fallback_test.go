package fallback

import (
	"strings"
	"testing"
)

func TestRespond_Deterministic(t *testing.T) {
	r := New()
	for _, msg := range []string{"", "a", "안녕하세요", "문법 질문이 있어요"} {
		first := r.Respond(msg)
		if first == "" {
			t.Fatalf("Respond(%q) returned empty string", msg)
		}
		if again := r.Respond(msg); again != first {
			t.Errorf("Respond(%q) not deterministic", msg)
		}
		if !strings.Contains(first, `"`+msg+`"`) {
			t.Errorf("Respond(%q) = %q, want quoted message", msg, first)
		}
	}
}

func TestRespond_SelectsByRuneCount(t *testing.T) {
	r := New()
	// "안녕" is 2 runes but 6 bytes; byte length would pick template 1.
	got := r.Respond("안녕")
	if !strings.Contains(got, "질문이시군요. 지금은 일시적으로") || !strings.HasSuffix(got, "🌟") {
		t.Errorf("Respond picked wrong template: %q", got)
	}
}

func TestRespond_CoversPool(t *testing.T) {
	r := New()
	seen := map[string]bool{}
	for _, msg := range []string{"a", "ab", "abc", "abcd", "abcde"} {
		reply := r.Respond(msg)
		seen[strings.Replace(reply, msg, "", 1)] = true
	}
	if len(seen) != len(r.Pool()) {
		t.Errorf("distinct replies = %d, want %d", len(seen), len(r.Pool()))
	}
}

func TestWords_ConcatenatesToInput(t *testing.T) {
	tests := []string{"", "one", "one two", "안녕하세요! 반가워요  두 칸"}
	for _, in := range tests {
		if got := strings.Join(Words(in), ""); got != in {
			t.Errorf("Words(%q) joined = %q", in, got)
		}
	}
}
