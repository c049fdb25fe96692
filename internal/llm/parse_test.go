package llm

import "testing"

func TestParseStrictJSON(t *testing.T) {
	type out struct {
		Order []int `json:"order"`
	}

	tests := []struct {
		name    string
		content string
		ok      bool
		want    []int
	}{
		{"plain", `{"order":[2,0,1]}`, true, []int{2, 0, 1}},
		{"fenced", "```json\n{\"order\":[1,0]}\n```", true, []int{1, 0}},
		{"unknown field", `{"order":[0],"extra":1}`, false, nil},
		{"trailing content", `{"order":[0]} garbage`, false, nil},
		{"prose", `the order is [2,0,1]`, false, nil},
		{"empty", ``, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v out
			ok := ParseStrictJSON(tt.content, &v)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if len(v.Order) != len(tt.want) {
				t.Fatalf("order = %v, want %v", v.Order, tt.want)
			}
			for i := range tt.want {
				if v.Order[i] != tt.want[i] {
					t.Fatalf("order = %v, want %v", v.Order, tt.want)
				}
			}
		})
	}
}

func TestParseTagged(t *testing.T) {
	got, ok := ParseTagged("prefix <merged>fused text</merged> suffix", "merged")
	if !ok || got != "fused text" {
		t.Fatalf("got %q ok=%v", got, ok)
	}

	if _, ok := ParseTagged("<merged></merged>", "merged"); ok {
		t.Fatal("empty span should not parse")
	}
	if _, ok := ParseTagged("<merged>unclosed", "merged"); ok {
		t.Fatal("unclosed tag should not parse")
	}
	if _, ok := ParseTagged("no markers here", "merged"); ok {
		t.Fatal("missing tag should not parse")
	}
}

func TestHasTag(t *testing.T) {
	if !HasTag("<unresolved/>", "unresolved") {
		t.Fatal("self-closing tag not detected")
	}
	if !HasTag("<unresolved />", "unresolved") {
		t.Fatal("spaced self-closing tag not detected")
	}
	if !HasTag("<unresolved>because</unresolved>", "unresolved") {
		t.Fatal("paired tag not detected")
	}
	if HasTag("nothing", "unresolved") {
		t.Fatal("false positive")
	}
}

func TestParseYesNo(t *testing.T) {
	tests := []struct {
		content string
		answer  bool
		ok      bool
	}{
		{"yes", true, true},
		{"Yes.", true, true},
		{"YES, they contradict", true, true},
		{"no", false, true},
		{"No - compatible statements", false, true},
		{"true", true, true},
		{"false", false, true},
		{"maybe", false, false},
		{"the answer is yes", false, false},
		{"", false, false},
		{"42", false, false},
	}
	for _, tt := range tests {
		answer, ok := ParseYesNo(tt.content)
		if answer != tt.answer || ok != tt.ok {
			t.Fatalf("ParseYesNo(%q) = (%v, %v), want (%v, %v)", tt.content, answer, ok, tt.answer, tt.ok)
		}
	}
}

func TestStripCodeFence(t *testing.T) {
	if got := StripCodeFence("```json\n{\"a\":1}\n```"); got != `{"a":1}` {
		t.Fatalf("got %q", got)
	}
	if got := StripCodeFence("{\"a\":1}"); got != `{"a":1}` {
		t.Fatalf("got %q", got)
	}
	if got := StripCodeFence("```\n[1]\n```"); got != "[1]" {
		t.Fatalf("got %q", got)
	}
}
