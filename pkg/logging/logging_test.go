package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogModeFiltersSeverity(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	defer SetLogMode(InfoMode)

	SetLogMode(WarningMode)
	Debugf("debug %d", 1)
	Infof("info %d", 2)
	Warningf("warning %d", 3)
	Errorf("error %d", 4)

	got := buf.String()
	if strings.Contains(got, "debug 1") || strings.Contains(got, "info 2") {
		t.Errorf("messages below warning were written: %q", got)
	}
	if !strings.Contains(got, "WARNING warning 3") || !strings.Contains(got, "ERROR error 4") {
		t.Errorf("expected warning and error messages, got %q", got)
	}
}

func TestTimeLogAppendsElapsed(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	NewTimeLog().Infof("loaded %d volumes", 3)
	if !strings.Contains(buf.String(), "loaded 3 volumes: ") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestRotatingLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.log")
	cfg := &LogConfig{Logfile: path, MaxSize: 1, MaxAge: 1}
	cfg.SetLogger()
	Infof("written to file")
	Shutdown()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(data), "INFO written to file") {
		t.Errorf("log file content %q", data)
	}
}
