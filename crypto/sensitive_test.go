package crypto

import "testing"

func TestZeroOverwrites(t *testing.T) {
	s := Sensitive("123456")
	s.Zero()
	for i, b := range s {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %x", i, b)
		}
	}
}

func TestGenerateSalt(t *testing.T) {
	s1, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt failed: %v", err)
	}
	s2, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt failed: %v", err)
	}
	if len(s1) != 16 {
		t.Errorf("salt length = %d, want 16", len(s1))
	}
	if string(s1) == string(s2) {
		t.Error("two salts are identical")
	}
}
