package service

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yohan020/my-bucket-editor/internal/domain"
)

// skippedNames are build output and dependency folders left out of tree listings.
var skippedNames = map[string]bool{
	"node_modules": true,
	"out":          true,
	"dist":         true,
}

// Workspace gives guests access to the files of one project root.
type Workspace struct {
	root string
}

// NewWorkspace creates a workspace rooted at root, which must be an existing directory.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root %q: %w", root, err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("project root %q: %w", root, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("project root %q is not a directory", root)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &Workspace{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute project root.
func (w *Workspace) Root() string { return w.root }

// Resolve maps a guest-supplied path to an absolute path inside the root. Absolute paths
// must already lie inside the root; relative ones are joined to it. Symlinks that lead out
// of the root are refused.
func (w *Workspace) Resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", ErrInvalidInput
	}
	var full string
	if filepath.IsAbs(p) {
		full = filepath.Clean(p)
	} else {
		full = filepath.Join(w.root, filepath.FromSlash(p))
	}
	if !isWithin(w.root, full) {
		return "", ErrPathOutsideRoot
	}
	if existing := nearestExisting(full); existing != "" {
		resolved, err := filepath.EvalSymlinks(existing)
		if err != nil {
			return "", fmt.Errorf("resolve %q: %w", p, err)
		}
		if !isWithin(w.root, resolved) {
			return "", ErrPathOutsideRoot
		}
	}
	return full, nil
}

// Tree lists the project recursively: hidden entries and build folders are skipped,
// directories come before files and each level is sorted by name.
func (w *Workspace) Tree() ([]domain.FileNode, error) {
	return scanDirectory(w.root)
}

func scanDirectory(dir string) ([]domain.FileNode, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	nodes := make([]domain.FileNode, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || skippedNames[name] {
			continue
		}
		full := filepath.Join(dir, name)
		if e.IsDir() {
			children, err := scanDirectory(full)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, domain.FileNode{Name: name, Path: full, IsDirectory: true, Children: children})
			continue
		}
		nodes = append(nodes, domain.FileNode{Name: name, Path: full})
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].IsDirectory != nodes[j].IsDirectory {
			return nodes[i].IsDirectory
		}
		li, lj := strings.ToLower(nodes[i].Name), strings.ToLower(nodes[j].Name)
		if li != lj {
			return li < lj
		}
		return nodes[i].Name < nodes[j].Name
	})
	return nodes, nil
}

// ReadFile returns the content of a file inside the root.
func (w *Workspace) ReadFile(p string) (string, string, error) {
	full, err := w.Resolve(p)
	if err != nil {
		return "", "", err
	}
	st, err := os.Stat(full)
	if err != nil {
		return "", "", fmt.Errorf("read %s: %w", full, err)
	}
	if !st.Mode().IsRegular() {
		return "", "", ErrNotAFile
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", "", fmt.Errorf("read %s: %w", full, err)
	}
	return full, string(data), nil
}

// WriteFile overwrites a file inside the root, keeping its permission bits.
func (w *Workspace) WriteFile(p, content string) error {
	full, err := w.Resolve(p)
	if err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if st, err := os.Stat(full); err == nil {
		if !st.Mode().IsRegular() {
			return ErrNotAFile
		}
		mode = st.Mode().Perm()
	}
	if err := os.WriteFile(full, []byte(content), mode); err != nil {
		return fmt.Errorf("write %s: %w", full, err)
	}
	return nil
}

func isWithin(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	if root == candidate {
		return true
	}
	sep := string(filepath.Separator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(candidate, root)
}

func nearestExisting(p string) string {
	cur := p
	for {
		_, err := os.Lstat(cur)
		if err == nil {
			return cur
		}
		if !os.IsNotExist(err) {
			return ""
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return ""
		}
		cur = parent
	}
}
