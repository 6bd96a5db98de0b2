//go:build !no_automation

package automation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// A script file starts with its metadata as a Lua comment:
//
//	-- {"name":"Retry on timeout","enabled":true}
const headerPrefix = "-- "

// ErrInvalidID is returned for a script ID that is not a safe file name.
var ErrInvalidID = errors.New("invalid script id")

var (
	idRe      = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	nonWordRe = regexp.MustCompile(`[^a-z0-9]+`)
)

func checkID(id string) error {
	if !idRe.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Manager stores scripts as <id>.lua files in one directory.
type Manager struct {
	dir    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewManager creates a manager rooted at dir, creating it if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger}, nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+".lua")
}

// List returns the scripts in ID order. Files that cannot be read are
// logged and skipped.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(m.dir, "*.lua"))
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	scripts := make([]*Script, 0, len(matches))
	for _, path := range matches {
		id := strings.TrimSuffix(filepath.Base(path), ".lua")
		if checkID(id) != nil {
			m.logger.Warn("ignoring script with unsafe name", "file", path)
			continue
		}
		s, err := m.load(id)
		if err != nil {
			m.logger.Warn("skipping script", "file", path, "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	return scripts, nil
}

// Get returns the script with the given ID.
func (m *Manager) Get(id string) (*Script, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.load(id)
}

// Save writes s. A script without an ID gets one derived from its name,
// suffixed with a number if taken. The file is replaced atomically.
func (m *Manager) Save(s *Script) (*Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.freeID(slugify(s.Meta.Name))
	} else if err := checkID(s.ID); err != nil {
		return nil, err
	}

	s.FilePath = m.path(s.ID)
	tmp, err := os.CreateTemp(m.dir, ".save-*")
	if err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(encodeScript(s)); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write script: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.FilePath); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	return s, nil
}

// freeID returns base, or base_N for the first N not in use.
func (m *Manager) freeID(base string) string {
	if base == "" {
		base = "script"
	}
	id := base
	for n := 1; ; n++ {
		if _, err := os.Stat(m.path(id)); errors.Is(err, fs.ErrNotExist) {
			return id
		}
		id = base + "_" + strconv.Itoa(n)
	}
}

func (m *Manager) Delete(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.path(id)); err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

func (m *Manager) load(id string) (*Script, error) {
	data, err := os.ReadFile(m.path(id))
	if err != nil {
		return nil, err
	}
	s, err := decodeScript(id, data)
	if err != nil {
		m.logger.Warn("script header ignored", "id", id, "err", err)
	}
	s.FilePath = m.path(id)
	return s, nil
}

// decodeScript splits a script file into its header and code. A missing
// header leaves the script disabled and named after its ID; a malformed
// one is reported alongside the script.
func decodeScript(id string, data []byte) (*Script, error) {
	s := &Script{ID: id}
	var herr error
	if first, rest, _ := bytes.Cut(data, []byte("\n")); bytes.HasPrefix(first, []byte(headerPrefix+"{")) {
		herr = json.Unmarshal(bytes.TrimPrefix(first, []byte(headerPrefix)), &s.Meta)
		data = rest
	}
	s.LuaCode = string(bytes.TrimLeft(data, "\n"))
	if s.Meta.Name == "" {
		s.Meta.Name = id
	}
	return s, herr
}

func encodeScript(s *Script) []byte {
	meta, _ := json.Marshal(s.Meta)
	var b bytes.Buffer
	b.WriteString(headerPrefix)
	b.Write(meta)
	b.WriteByte('\n')
	b.WriteString(s.LuaCode)
	if s.LuaCode != "" && !strings.HasSuffix(s.LuaCode, "\n") {
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// slugify turns a display name into an ID candidate.
func slugify(name string) string {
	s := nonWordRe.ReplaceAllString(strings.ToLower(name), "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "_")
	}
	return s
}
