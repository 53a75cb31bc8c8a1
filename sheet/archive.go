package sheet

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Archive moves a staged upload into dir as "batch-<id>-<name>". If that name is
// taken, "-1", "-2", ... is added before the extension. Existing files are never replaced.
func Archive(srcPath string, dir string, batchID uint) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("archive dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	dst, err := freeName(dir, fmt.Sprintf("batch-%d-%s", batchID, filepath.Base(srcPath)))
	if err != nil {
		return "", err
	}
	if err := os.Rename(srcPath, dst); err == nil {
		return dst, nil
	}
	// rename fails across filesystems
	if err := copyInto(srcPath, dst); err != nil {
		return "", err
	}
	if err := os.Remove(srcPath); err != nil {
		return "", fmt.Errorf("remove %s after archiving: %w", srcPath, err)
	}
	return dst, nil
}

func freeName(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 0; n < 1000; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, n, ext)
		}
		p := filepath.Join(dir, candidate)
		if _, err := os.Lstat(p); os.IsNotExist(err) {
			return p, nil
		} else if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free archive name for %s in %s", name, dir)
}

// copyInto writes src to a temporary file next to dst and links it into place,
// so a reader never sees a half-written archive.
func copyInto(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".archive-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	// Link refuses an existing dst, unlike Rename.
	err = os.Link(tmpName, dst)
	os.Remove(tmpName)
	return err
}
