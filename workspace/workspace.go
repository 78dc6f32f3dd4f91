package workspace

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/isdmx/starbox/config"
	"github.com/isdmx/starbox/sandbox"
)

// Subdirectories created under every run.
const (
	chartsDir = "charts"
	dataDir   = "data"
	codeDir   = "code"
)

const (
	dirPermission  = 0o755
	filePermission = 0o644
)

// Manager owns the run-directory tree where execution artifacts are
// persisted. The sandbox core never touches it; only the tool layer hands
// results over after assembly.
type Manager struct {
	fs      afero.Fs
	runsDir string
	logger  *zap.Logger
	now     func() time.Time
}

// RunInfo describes one created run.
type RunInfo struct {
	ID        string    `json:"run_id"`
	Directory string    `json:"directory"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates a Manager over the real filesystem.
func New(cfg *config.Config, logger *zap.Logger) (*Manager, error) {
	return NewWithFs(afero.NewOsFs(), cfg.Workspace.RunsDir, logger)
}

// NewWithFs creates a Manager over an arbitrary filesystem. Tests use a
// memory-backed one.
func NewWithFs(fs afero.Fs, runsDir string, logger *zap.Logger) (*Manager, error) {
	if err := fs.MkdirAll(runsDir, dirPermission); err != nil {
		return nil, fmt.Errorf("create runs directory: %w", err)
	}
	return &Manager{fs: fs, runsDir: runsDir, logger: logger, now: time.Now}, nil
}

// CreateRun creates a timestamped run directory with charts/, data/, and
// code/ subdirectories and a metadata.json.
func (m *Manager) CreateRun(name string, metadata map[string]any) (RunInfo, error) {
	createdAt := m.now().UTC()
	id := fmt.Sprintf("%s_%s_%s",
		createdAt.Format("2006-01-02_150405"),
		sanitizeName(name),
		uuid.NewString()[:8])
	runDir := path.Join(m.runsDir, id)

	for _, dir := range []string{runDir, path.Join(runDir, chartsDir), path.Join(runDir, dataDir), path.Join(runDir, codeDir)} {
		if err := m.fs.MkdirAll(dir, dirPermission); err != nil {
			return RunInfo{}, fmt.Errorf("create run directory: %w", err)
		}
	}

	meta := map[string]any{
		"name":       name,
		"created_at": createdAt.Format(time.RFC3339),
		"directory":  runDir,
	}
	for key, value := range metadata {
		meta[key] = value
	}
	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return RunInfo{}, fmt.Errorf("encode run metadata: %w", err)
	}
	if err := afero.WriteFile(m.fs, path.Join(runDir, "metadata.json"), encoded, filePermission); err != nil {
		return RunInfo{}, fmt.Errorf("write run metadata: %w", err)
	}

	m.logger.Info("research run created", zap.String("run_id", id))
	return RunInfo{ID: id, Directory: runDir, CreatedAt: createdAt}, nil
}

// SaveSource persists the executed source under code/.
func (m *Manager) SaveSource(runID, source string) (string, error) {
	runDir, err := m.runDir(runID)
	if err != nil {
		return "", err
	}
	target := path.Join(runDir, codeDir, "snippet.star")
	if err := afero.WriteFile(m.fs, target, []byte(source), filePermission); err != nil {
		return "", fmt.Errorf("write source: %w", err)
	}
	return target, nil
}

// SaveFigures persists rendered figures under charts/, named by sequence
// index.
func (m *Manager) SaveFigures(runID string, figures []sandbox.Figure) ([]string, error) {
	runDir, err := m.runDir(runID)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(figures))
	for _, figure := range figures {
		target := path.Join(runDir, chartsDir, fmt.Sprintf("figure_%02d.%s", figure.SequenceIndex, figure.Encoding))
		if err := afero.WriteFile(m.fs, target, figure.PNG, filePermission); err != nil {
			return nil, fmt.Errorf("write figure %d: %w", figure.SequenceIndex, err)
		}
		paths = append(paths, target)
	}
	return paths, nil
}

// WriteFile persists an arbitrary artifact under data/. The filename must
// be a bare name; anything resembling a path is rejected.
func (m *Manager) WriteFile(runID, filename string, data []byte) (string, error) {
	if filename == "" || filename != path.Base(filename) || strings.HasPrefix(filename, ".") {
		return "", fmt.Errorf("invalid artifact filename: %q", filename)
	}
	runDir, err := m.runDir(runID)
	if err != nil {
		return "", err
	}
	target := path.Join(runDir, dataDir, filename)
	if err := afero.WriteFile(m.fs, target, data, filePermission); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return target, nil
}

func (m *Manager) runDir(runID string) (string, error) {
	if runID == "" || runID != path.Base(runID) {
		return "", fmt.Errorf("invalid run id: %q", runID)
	}
	runDir := path.Join(m.runsDir, runID)
	exists, err := afero.DirExists(m.fs, runDir)
	if err != nil {
		return "", fmt.Errorf("stat run directory: %w", err)
	}
	if !exists {
		return "", fmt.Errorf("unknown run id: %q", runID)
	}
	return runDir, nil
}

// sanitizeName lowercases the run name and replaces anything outside
// [a-z0-9-_] with underscores.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "run"
	}
	return b.String()
}
