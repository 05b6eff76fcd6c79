package engine

import "testing"

func TestNoProgressDetector_RepeatSignature(t *testing.T) {
	t.Parallel()

	d := NewNoProgressDetector(0, 3, 2)
	sig := CanonicalSignature("page.click", `{"ref":"n1"}`)

	if got := d.Observe(sig); got != TriggerNone {
		t.Fatalf("first observe=%q, want none", got)
	}
	if got := d.Observe(sig); got != TriggerNone {
		t.Fatalf("second observe=%q, want none", got)
	}
	if got := d.Observe(sig); got != TriggerRepeatSignature {
		t.Fatalf("third observe=%q, want %q", got, TriggerRepeatSignature)
	}
	// The trigger resets the streak; the next repeat starts a fresh count.
	if got := d.Observe(sig); got != TriggerNone {
		t.Fatalf("observe after trigger=%q, want none", got)
	}
}

func TestNoProgressDetector_PingPong(t *testing.T) {
	t.Parallel()

	d := NewNoProgressDetector(0, 10, 1)
	a := CanonicalSignature("page.click", `{"ref":"n1"}`)
	b := CanonicalSignature("page.scroll", `{}`)

	for _, sig := range []string{a, b, a} {
		if got := d.Observe(sig); got != TriggerNone {
			t.Fatalf("observe(%q)=%q before pattern completes", sig, got)
		}
	}
	if got := d.Observe(b); got != TriggerPingPong {
		t.Fatalf("observe=%q, want %q", got, TriggerPingPong)
	}
}

func TestNoProgressDetector_DistinctCallsNeverTrigger(t *testing.T) {
	t.Parallel()

	d := NewNoProgressDetector(0, 2, 1)
	for _, sig := range []string{"a", "b", "c", "d", "e", "f"} {
		if got := d.Observe(sig); got != TriggerNone {
			t.Fatalf("observe(%q)=%q, want none", sig, got)
		}
	}
}

func TestNoProgressDetector_Reset(t *testing.T) {
	t.Parallel()

	d := NewNoProgressDetector(0, 2, 1)
	d.Observe("x")
	d.Reset()
	if got := d.Observe("x"); got != TriggerNone {
		t.Fatalf("observe after reset=%q, want none", got)
	}
}

func TestCanonicalSignature_KeyOrderIndependent(t *testing.T) {
	t.Parallel()

	first := CanonicalSignature("Page.Click", `{"b":2,"a":{"y":true,"x":[1,2]}}`)
	second := CanonicalSignature("page.click", `{"a":{"x":[1,2],"y":true},"b":2}`)
	if first != second {
		t.Fatalf("signatures differ:\n%q\n%q", first, second)
	}
}

func TestCanonicalSignature_DifferentArgsDiffer(t *testing.T) {
	t.Parallel()

	first := CanonicalSignature("page.click", `{"ref":"n1"}`)
	second := CanonicalSignature("page.click", `{"ref":"n2"}`)
	if first == second {
		t.Fatalf("distinct arguments produced the same signature %q", first)
	}
}

func TestCanonicalSignature_LengthCapped(t *testing.T) {
	t.Parallel()

	huge := `{"content":"` + string(make([]byte, 10_000)) + `"}`
	sig := CanonicalSignature("fs.write", huge)
	if len(sig) > maxSignatureLength {
		t.Fatalf("len=%d, want <= %d", len(sig), maxSignatureLength)
	}
}
