package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Host-side file operations on the conversation volume. These run outside
// the container; the volume is the same directory bound at /workspace.

// ResolveVolumePath maps a tool-supplied path (absolute /workspace/... or
// relative) onto the host volume, rejecting any resolution that escapes it.
func ResolveVolumePath(volumeRoot, p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("path must not be empty")
	}
	// the /workspace prefix only strips on a path boundary; /workspacedata
	// is an ordinary name, not the volume root
	if p == "/workspace" {
		p = ""
	} else {
		p = strings.TrimPrefix(p, "/workspace/")
	}
	p = strings.TrimPrefix(p, "/")

	resolved := filepath.Join(volumeRoot, filepath.FromSlash(p))
	cleanRoot := filepath.Clean(volumeRoot)
	if resolved != cleanRoot && !strings.HasPrefix(resolved, cleanRoot+string(os.PathSeparator)) {
		return "", errors.Errorf("path %q escapes the workspace", p)
	}
	return resolved, nil
}

// WriteVolumeFile writes a file inside the conversation volume.
func (m *Manager) WriteVolumeFile(convID, userID, path, content string) (string, error) {
	volume, err := m.VolumePath(convID, userID)
	if err != nil {
		return "", err
	}
	resolved, err := ResolveVolumePath(volume, path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create parent directory")
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return "", errors.Wrap(err, "failed to write file")
	}
	m.Touch(convID)
	return resolved, nil
}

// ReadVolumeFile reads a file from the conversation volume.
func (m *Manager) ReadVolumeFile(convID, userID, path string) (string, error) {
	volume, err := m.VolumePath(convID, userID)
	if err != nil {
		return "", err
	}
	resolved, err := ResolveVolumePath(volume, path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read %s", path)
	}
	m.Touch(convID)
	return string(data), nil
}

// VolumeEntry is one listing row.
type VolumeEntry struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

// ListVolumeFiles walks a directory inside the conversation volume.
func (m *Manager) ListVolumeFiles(convID, userID, path string) ([]VolumeEntry, error) {
	volume, err := m.VolumePath(convID, userID)
	if err != nil {
		return nil, err
	}
	resolved, err := ResolveVolumePath(volume, path)
	if err != nil {
		return nil, err
	}

	var out []VolumeEntry
	err = filepath.WalkDir(resolved, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == resolved {
			return nil
		}
		rel, _ := filepath.Rel(volume, p)
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, VolumeEntry{
			Path:  "/workspace/" + filepath.ToSlash(rel),
			Size:  info.Size(),
			IsDir: d.IsDir(),
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", path)
	}
	m.Touch(convID)
	return out, nil
}

// DiffEdit applies a literal search-and-replace to a volume file. When the
// search string is absent the file is left untouched and a precise error is
// returned so the model can correct itself.
func (m *Manager) DiffEdit(convID, userID, path, search, replace string, global bool) (int, error) {
	volume, err := m.VolumePath(convID, userID)
	if err != nil {
		return 0, err
	}
	resolved, err := ResolveVolumePath(volume, path)
	if err != nil {
		return 0, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read %s", path)
	}
	content := string(data)

	count := strings.Count(content, search)
	if count == 0 {
		return 0, errors.Errorf("search string not found in %s: %s", path, truncateForError(search))
	}

	var updated string
	replaced := 1
	if global {
		updated = strings.ReplaceAll(content, search, replace)
		replaced = count
	} else {
		updated = strings.Replace(content, search, replace, 1)
	}

	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return 0, errors.Wrapf(err, "failed to write %s", path)
	}
	m.Touch(convID)
	return replaced, nil
}

func truncateForError(s string) string {
	if len(s) > 120 {
		return fmt.Sprintf("%s... (%d chars)", s[:120], len(s))
	}
	return s
}
