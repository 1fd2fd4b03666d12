package registry

import "testing"

func TestRegistry_AddLookupRemove(t *testing.T) {
	r := New()
	if _, ok := r.Lookup("s1"); ok {
		t.Fatalf("lookup on empty registry must miss")
	}

	r.Add("s1", Descriptor{OwnerConnectionID: "c1", Model: "m1", Provider: "gemini"})
	d, ok := r.Lookup("s1")
	if !ok || d.OwnerConnectionID != "c1" || d.Model != "m1" {
		t.Fatalf("lookup=%+v ok=%v", d, ok)
	}
	if r.Count() != 1 {
		t.Fatalf("count=%d, want 1", r.Count())
	}

	r.Remove("s1")
	if _, ok := r.Lookup("s1"); ok {
		t.Fatalf("removed session still present")
	}
	if r.Count() != 0 {
		t.Fatalf("count=%d, want 0", r.Count())
	}
}

func TestRegistry_RemoveUnknownIsNoop(t *testing.T) {
	r := New()
	r.Remove("ghost")
	if r.Count() != 0 {
		t.Fatalf("count=%d", r.Count())
	}
}

func TestRegistry_StatsByProvider(t *testing.T) {
	r := New()
	r.Add("s1", Descriptor{Provider: "gemini"})
	r.Add("s2", Descriptor{Provider: "gemini"})
	r.Add("s3", Descriptor{Provider: "mock"})

	stats := r.StatsByProvider()
	if stats["gemini"] != 2 || stats["mock"] != 1 {
		t.Fatalf("stats=%v", stats)
	}
}
