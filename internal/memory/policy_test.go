package memory

import "testing"

func TestKeyValueExtractor(t *testing.T) {
	cases := []struct {
		text      string
		wantKey   string
		wantValue string
	}{
		{"My name is Sarah", "name", "Sarah"},
		{"home city: Lisbon.", "home city", "Lisbon"},
		{"units = metric", "units", "metric"},
		{"The deadline is Friday!", "deadline", "Friday"},
		{"remember to call mom", "", ""},
	}
	for _, tc := range cases {
		got := KeyValueExtractor{}.Extract(Fact{TurnSeq: 2, Text: tc.text})
		if got.Key != tc.wantKey || got.Value != tc.wantValue {
			t.Fatalf("Extract(%q) = %q/%q, want %q/%q", tc.text, got.Key, got.Value, tc.wantKey, tc.wantValue)
		}
		if got.TurnSeq != 2 {
			t.Fatalf("expected turn seq to carry over, got %d", got.TurnSeq)
		}
	}
}

func TestDigestTurn(t *testing.T) {
	ok := Turn{Seq: 4, Inbound: Message{Text: "hi"}, Outbound: &Message{Text: "hello"}}
	if got := DigestTurn(ok); got != `#4 asked "hi", answered "hello"` {
		t.Fatalf("unexpected digest: %s", got)
	}

	failed := Turn{Seq: 5, Inbound: Message{Text: "weather?"}, Error: &TurnError{Code: "step_timeout"}}
	if got := DigestTurn(failed); got != `#5 asked "weather?", failed (step_timeout)` {
		t.Fatalf("unexpected digest: %s", got)
	}
}

func TestRenderTurn(t *testing.T) {
	turn := Turn{Seq: 1, Inbound: Message{Text: "hi"}, Outbound: &Message{Text: "hello"}}
	if got := RenderTurn(turn); got != "[#1 user] hi\n[#1 agent] hello" {
		t.Fatalf("unexpected render: %q", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	if EstimateTokens("") != 0 {
		t.Fatalf("expected empty text to cost nothing")
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Fatalf("EstimateTokens = %d, want 2", got)
	}
}

func TestPolicyNormalizedFillsDefaults(t *testing.T) {
	p := Policy{Reserve: 2}.normalized()
	if p.Version != "digest-v1" || p.Reserve != 0.25 || p.Size == nil || p.Digest == nil || p.Extract == nil {
		t.Fatalf("unexpected normalized policy: %+v", p)
	}
}
