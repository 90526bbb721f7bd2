// Package market drives the install, update, and uninstall pipelines for
// marketplace tools and plans upgrades against the registry.
package market

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"toolmart/internal/domain"
)

// verifyArchive checks the structural contract of a tool archive: exactly
// one top-level directory named after the declared package type, exactly
// one tool subdirectory named after the tool id, and the primary script
// file inside it. Optional files (tool_info.json, doc.*, README.md) pass
// through unvalidated.
func verifyArchive(archivePath, toolID string, pkgType domain.PackageType) error {
	const op = "market.verify"

	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return domain.E(domain.CodeArchiveStructure, op, "archive is not a readable zip", err)
	}
	defer reader.Close()

	wantRoot := string(pkgType)
	entryFile := path.Join(wantRoot, toolID, pkgType.EntryFile(toolID))
	entryFileFound := false

	if len(reader.File) == 0 {
		return structureError(op, "archive is empty")
	}

	for _, file := range reader.File {
		name, err := sanitizeArchivePath(file.Name)
		if err != nil {
			return domain.E(domain.CodeArchiveStructure, op, "", err)
		}
		if name == "" {
			continue
		}
		segments := strings.Split(name, "/")
		if segments[0] != wantRoot {
			return structureError(op, fmt.Sprintf("unexpected top-level entry %q, want %q/", segments[0], wantRoot))
		}
		if len(segments) >= 2 && segments[1] != "" && segments[1] != toolID {
			return structureError(op, fmt.Sprintf("unexpected tool directory %q, want %q", segments[1], toolID))
		}
		if name == entryFile && !file.FileInfo().IsDir() {
			entryFileFound = true
		}
	}

	if !entryFileFound {
		return structureError(op, fmt.Sprintf("missing primary script %s", entryFile))
	}
	return nil
}

// extractArchive unpacks the archive into destDir, which must be a fresh
// temporary directory: extraction never targets the live tool tree.
func extractArchive(archivePath, destDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		name, err := sanitizeArchivePath(file.Name)
		if err != nil {
			return err
		}
		if name == "" {
			continue
		}
		target := filepath.Join(destDir, filepath.FromSlash(name))

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("extract dir %s: %w", name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("extract parent %s: %w", name, err)
		}
		if err := extractFile(file, target); err != nil {
			return fmt.Errorf("extract %s: %w", name, err)
		}
	}
	return nil
}

func extractFile(file *zip.File, target string) error {
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	mode := file.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

// sanitizeArchivePath normalizes a zip entry name and rejects anything
// that would escape the extraction root.
func sanitizeArchivePath(name string) (string, error) {
	cleaned := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if cleaned == "." || cleaned == "/" {
		return "", nil
	}
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("archive entry escapes extraction root: %q", name)
	}
	return cleaned, nil
}

func structureError(op, msg string) *domain.Error {
	return domain.E(domain.CodeArchiveStructure, op, msg, nil)
}
