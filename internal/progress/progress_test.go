package progress

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestCLIProgress_WritesToWriter(t *testing.T) {
	var buf bytes.Buffer
	p := NewCLIProgress(&buf)

	p.Start(10, "rows")
	p.Update(10)
	p.Finish()
	p.Error(errors.New("load page 3 failed"))

	if !strings.Contains(buf.String(), "load page 3 failed") {
		t.Errorf("expected error in output, got %q", buf.String())
	}
}

func TestCLIProgress_BeforeStart(t *testing.T) {
	p := NewCLIProgress(&bytes.Buffer{})
	// Must not panic without a bar
	p.Update(5)
	p.SetDescription("x")
	p.Finish()
}

func TestReporters(t *testing.T) {
	var _ Reporter = NewCLIProgress(nil)
	var _ Reporter = NewNoOpProgress()
}
