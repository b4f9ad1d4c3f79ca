package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// atomicWrite replaces path with the YAML encoding of data. The content is
// staged in a temp file on the same volume, fsynced, re-read and parsed
// before the rename, and the previous file survives as path+".bak". A
// crash at any point leaves either the old file or the new one, never a
// torn write.
func atomicWrite(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}

	tmpName, err := stageTemp(filepath.Dir(path), content)
	if err != nil {
		return err
	}
	defer os.Remove(tmpName)

	if err := backupExisting(path); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// stageTemp writes content to a temp file in dir, syncs it, and verifies
// the bytes on disk parse as YAML. It returns the temp file name.
func stageTemp(dir string, content []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, ".stagehand-tmp-*.yaml")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()

	fail := func(op string, err error) (string, error) {
		tmp.Close()
		os.Remove(name)
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if _, err := tmp.Write(content); err != nil {
		return fail("write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	written, err := os.ReadFile(name)
	if err != nil {
		os.Remove(name)
		return "", fmt.Errorf("read back temp file: %w", err)
	}
	if err := validateYAML(written); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("yaml validation failed: %w", err)
	}
	return name, nil
}

// backupExisting copies path to path+".bak" when path exists.
func backupExisting(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := copyFile(path, path+".bak"); err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	return nil
}

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// quarantine moves an unreadable snapshot aside so a fresh one can be
// written in its place.
func quarantine(baseDir, filePath string) error {
	quarantineDir := filepath.Join(baseDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405"))
	if err := os.Rename(filePath, filepath.Join(quarantineDir, name)); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}
	return nil
}
