package configmanager

import (
	"os"
	"testing"
)

func TestInitConfig(t *testing.T) {
	t.Run("missing_file", func(t *testing.T) {
		if err := InitConfig("does-not-exist.json"); err == nil {
			t.Error("Expected error for a missing config file")
		}
	})
	t.Run("defaults_kept_for_missing_keys", func(t *testing.T) {
		f, err := os.CreateTemp(t.TempDir(), "conf")
		if err != nil {
			t.Fatal(err)
		}
		os.WriteFile(f.Name(), []byte(`{"ari_application":"myapp"}`), 0600)
		if err := InitConfig(f.Name()); err != nil {
			t.Fatalf("InitConfig failed: %v", err)
		}
		if ConfStore.ARIApplication != "myapp" {
			t.Errorf("Expected app myapp, got %q", ConfStore.ARIApplication)
		}
		if ConfStore.ARIAPIRetry != 3 {
			t.Errorf("Expected default retry 3, got %d", ConfStore.ARIAPIRetry)
		}
	})
	t.Run("bad_json", func(t *testing.T) {
		f, _ := os.CreateTemp(t.TempDir(), "conf")
		os.WriteFile(f.Name(), []byte("{"), 0600)
		if err := InitConfig(f.Name()); err == nil {
			t.Error("Expected error for malformed config")
		}
	})
}
