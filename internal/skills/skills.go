// Package skills writes and removes skill asset bundles: trees of text
// files under a per-skill directory inside the companion config directory.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	maxFiles     = 50
	maxFileBytes = 100_000
	maxDepth     = 4
)

// File is one entry of an extraction bundle. Path is relative to the skill
// directory with forward slashes.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ValidateName rejects skill names that could escape the skills directory.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("skill name is required")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid skill name %q", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("skill name contains control characters")
		}
	}
	return nil
}

// validatePath enforces the bundle constraints on one relative file path.
func validatePath(p string) error {
	if p == "" {
		return fmt.Errorf("file path is required")
	}
	if strings.Contains(p, `\`) {
		return fmt.Errorf("file path %q contains backslashes", p)
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("file path %q is absolute", p)
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("file path contains control characters")
		}
	}
	segments := strings.Split(p, "/")
	if len(segments) > maxDepth {
		return fmt.Errorf("file path %q exceeds depth %d", p, maxDepth)
	}
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("file path %q contains traversal segments", p)
		}
	}
	return nil
}

// Extract writes a bundle of text files under root/skills/<name>/, creating
// directories as needed. The whole bundle is validated before any file is
// written.
func Extract(root, name string, files []File) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("bundle has no files")
	}
	if len(files) > maxFiles {
		return "", fmt.Errorf("bundle has %d files, max %d", len(files), maxFiles)
	}
	for _, f := range files {
		if err := validatePath(f.Path); err != nil {
			return "", err
		}
		if len(f.Content) > maxFileBytes {
			return "", fmt.Errorf("file %q is %d bytes, max %d", f.Path, len(f.Content), maxFileBytes)
		}
	}

	skillDir := filepath.Join(root, "skills", name)
	for _, f := range files {
		target := filepath.Join(skillDir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return "", fmt.Errorf("create skill directory: %w", err)
		}
		if err := os.WriteFile(target, []byte(f.Content), 0o600); err != nil {
			return "", fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	return skillDir, nil
}

// Remove deletes a skill directory. Removing a missing skill is not an
// error.
func Remove(root, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	dir := filepath.Join(root, "skills", name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove skill %s: %w", name, err)
	}
	return nil
}
