package pool

import (
	"path/filepath"
	"testing"

	"github.com/manifold-ai/manifold-gateway/internal/provider"
)

func TestStoreSaveLoad_PreservesOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pools.yaml")
	store := NewStore(path, nil)

	in := []EntryConfig{
		{ID: "id-3", Type: "anthropic", BaseURL: "https://c.example.com",
			Credential: provider.CredentialRef{Kind: provider.CredentialInline, Value: "k3"}},
		{ID: "id-1", Type: "openai", BaseURL: "https://a.example.com",
			Credential: provider.CredentialRef{Kind: provider.CredentialFile, Value: "/etc/cred.json"},
			ProbeModel: "gpt-probe"},
		{ID: "id-2", Type: "openai", BaseURL: "https://b.example.com",
			Credential: provider.CredentialRef{Kind: provider.CredentialInline, Value: "k2"},
			Disabled:   true},
	}
	if err := store.Save(in); err != nil {
		t.Fatal(err)
	}

	out, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("loaded %d entries, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].ID != in[i].ID {
			t.Errorf("entry %d id = %q, want %q", i, out[i].ID, in[i].ID)
		}
	}
	if out[1].Credential.Kind != provider.CredentialFile || out[1].ProbeModel != "gpt-probe" {
		t.Errorf("entry 1 round-trip: %+v", out[1])
	}
	if !out[2].Disabled {
		t.Error("disabled flag lost")
	}
}

func TestStoreLoad_MissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	cfgs, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfgs) != 0 {
		t.Errorf("entries = %d, want 0", len(cfgs))
	}
}
