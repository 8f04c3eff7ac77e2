// Package staging stores resolved attachment bytes under the state
// directory so vendor subprocesses can read them by path.
package staging

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/engine/logstore"
)

const maxStagedExt = 16

// Area is the on-disk staging tree: one directory per thread, one file
// per staged attachment.
type Area struct {
	log  *slog.Logger
	root string
}

// New opens (creating if needed) the staging tree under stateDir.
func New(log *slog.Logger, stateDir string) (*Area, error) {
	if log == nil {
		log = slog.Default()
	}
	stateDir = strings.TrimSpace(stateDir)
	if stateDir == "" {
		return nil, errors.New("missing state dir")
	}
	root := filepath.Clean(filepath.Join(stateDir, "staging"))
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Area{log: log, root: root}, nil
}

// Root returns the staging tree root.
func (a *Area) Root() string {
	if a == nil {
		return ""
	}
	return a.root
}

// Stage writes data into the thread's staging directory and returns the
// absolute file path. The file name is a fresh uuid plus name's
// extension, so two attachments sharing a user-facing name never collide.
func (a *Area) Stage(key logstore.ThreadKey, name string, data []byte) (string, error) {
	if a == nil {
		return "", errors.New("nil staging area")
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return "", err
	}

	dir := a.threadDir(key)
	ok, err := isWithinRoot(dir, a.root)
	if err != nil || !ok {
		return "", errors.New("staging path escapes root")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create thread staging dir: %w", err)
	}

	ext := filepath.Ext(name)
	if len(ext) > maxStagedExt || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}

	path := filepath.Join(dir, uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write staged attachment: %w", err)
	}
	return path, nil
}

// ThreadDir returns the directory Stage writes one thread's files into.
// The directory may not exist yet when nothing was staged.
func (a *Area) ThreadDir(key logstore.ThreadKey) (string, error) {
	if a == nil {
		return "", errors.New("nil staging area")
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return "", err
	}
	return a.threadDir(key), nil
}

// WipeThread removes one thread's staged files.
func (a *Area) WipeThread(key logstore.ThreadKey) error {
	if a == nil {
		return errors.New("nil staging area")
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return err
	}
	return os.RemoveAll(a.threadDir(key))
}

// WipeWorkspace removes every thread staged under (project, workspace).
func (a *Area) WipeWorkspace(projectID, workspaceID string) error {
	if a == nil {
		return errors.New("nil staging area")
	}
	projectID = strings.TrimSpace(projectID)
	workspaceID = strings.TrimSpace(workspaceID)
	if projectID == "" || workspaceID == "" {
		return errors.New("missing project or workspace id")
	}
	return os.RemoveAll(filepath.Join(a.root, segment(projectID), segment(workspaceID)))
}

// Prune deletes staged files older than maxAge and collapses directories
// that end up empty. It returns the number of files removed.
func (a *Area) Prune(maxAge time.Duration) (int, error) {
	if a == nil {
		return 0, errors.New("nil staging area")
	}
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge)

	removed := 0
	var dirs []string
	err := filepath.WalkDir(a.root, func(p string, d iofs.DirEntry, walkErr error) error {
		if walkErr != nil || p == a.root {
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, p)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(p) == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, err
	}

	// Deepest first, so empty parents collapse too. os.Remove refuses
	// non-empty directories.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, d := range dirs {
		_ = os.Remove(d)
	}
	return removed, nil
}

func (a *Area) threadDir(key logstore.ThreadKey) string {
	return filepath.Join(a.root,
		segment(key.ProjectID),
		segment(key.WorkspaceID),
		strconv.FormatInt(key.ThreadNum, 10))
}

// segment makes an id safe to use as one directory name.
func segment(id string) string {
	id = strings.TrimSpace(id)
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, "\\", "_")
	if id == "" || id == "." || id == ".." {
		return "_"
	}
	return id
}

func isWithinRoot(path string, root string) (bool, error) {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false, err
	}
	rel = filepath.Clean(rel)
	if rel == "." || rel == ".." {
		return rel == ".", nil
	}
	if strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false, nil
	}
	return true, nil
}
