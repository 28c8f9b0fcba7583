package call

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func TestSilenceSourceCapture(t *testing.T) {
	audio, err := SilenceSource{}.Capture("")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	defer audio.Close()

	if audio.Track() == nil {
		t.Fatal("expected a track")
	}
	if !audio.Enabled() {
		t.Error("capture must start enabled")
	}

	audio.SetEnabled(false)
	if audio.Enabled() {
		t.Error("expected disabled after SetEnabled(false)")
	}

	audio.Close()
	audio.Close()
}

func TestOggSourceMissingFile(t *testing.T) {
	_, err := OggSource{Path: "testdata/missing.ogg"}.Capture("")
	if !errors.Is(err, ErrMediaAccess) {
		t.Errorf("expected ErrMediaAccess, got %v", err)
	}
}

func TestOggSourceRejectsNonOggContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-audio.ogg")
	if err := os.WriteFile(path, []byte("plain text, not an ogg container"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	_, err := OggSource{Path: path}.Capture("")
	if !errors.Is(err, ErrMediaAccess) {
		t.Errorf("expected ErrMediaAccess, got %v", err)
	}
}
