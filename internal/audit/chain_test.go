package audit

import (
	"strings"
	"sync"
	"testing"
)

func TestDigest_KnownVector(t *testing.T) {
	got := Digest([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("Digest(abc) = %s, want %s", got, want)
	}
}

func TestChainDigest_Deterministic(t *testing.T) {
	h1 := chainDigest(GenesisHash, []byte(`{"a":1}`))
	h2 := chainDigest(GenesisHash, []byte(`{"a":1}`))
	if h1 != h2 {
		t.Error("same input should produce the same hash")
	}
	if !validHash(h1) {
		t.Errorf("hash %q is not 64 lowercase hex chars", h1)
	}
	if strings.HasPrefix(h1, "sha256:") {
		t.Error("hash must not carry an algorithm prefix")
	}
}

func TestChainDigest_DependsOnPrevHash(t *testing.T) {
	canonical := []byte(`{"a":1}`)
	other := Digest([]byte("other"))
	if chainDigest(GenesisHash, canonical) == chainDigest(other, canonical) {
		t.Error("different previous hashes should produce different hashes")
	}
}

func TestChainDigest_IsConcatenation(t *testing.T) {
	canonical := []byte(`{"a":1}`)
	want := Digest(append([]byte(GenesisHash), canonical...))
	if got := chainDigest(GenesisHash, canonical); got != want {
		t.Errorf("chainDigest = %s, want sha256(prev||canonical) = %s", got, want)
	}
}

func TestValidHash(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{GenesisHash, true},
		{Digest([]byte("x")), true},
		{strings.ToUpper(Digest([]byte("x"))), false},
		{"sha256:" + Digest([]byte("x"))[7:], false},
		{Digest([]byte("x"))[:63], false},
		{Digest([]byte("x")) + "0", false},
		{strings.Repeat("g", 64), false},
		{"", false},
	}
	for _, tt := range tests {
		if got := validHash(tt.in); got != tt.want {
			t.Errorf("validHash(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestChainState_StartsAtGenesis(t *testing.T) {
	c := NewChainState("")
	if c.Head() != GenesisHash {
		t.Errorf("Head() = %q, want genesis", c.Head())
	}
	if len(GenesisHash) != 64 || strings.Trim(GenesisHash, "0") != "" {
		t.Errorf("genesis hash must be 64 zeros, got %q", GenesisHash)
	}
}

func TestChainState_Advance(t *testing.T) {
	c := NewChainState("")
	h := Digest([]byte("first"))
	c.Advance(h)
	if c.Head() != h {
		t.Errorf("Head() = %q, want %q", c.Head(), h)
	}

	resumed := NewChainState(h)
	if resumed.Head() != h {
		t.Errorf("resumed Head() = %q, want %q", resumed.Head(), h)
	}
}

func TestChainState_ConcurrentReaders(t *testing.T) {
	c := NewChainState("")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if i == 0 {
					c.Advance(Digest([]byte{byte(j)}))
				} else if !validHash(c.Head()) {
					t.Error("observed an invalid head")
					return
				}
			}
		}(i)
	}
	wg.Wait()
}
