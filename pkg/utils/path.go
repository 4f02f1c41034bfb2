package utils

import (
	"path/filepath"
	"strings"

	dbpferrors "github.com/objectfs/dbpf/pkg/errors"
)

// ValidatePath validates that a file path is safe and does not contain
// directory traversal attempts. It checks for common directory
// traversal patterns and ensures the cleaned path doesn't escape the
// intended directory structure. The engine calls this on every
// operator-supplied data/metadata root before creating it, so a typo'd
// "../../etc" in a config file fails loudly at startup instead of
// quietly writing outside the storage region.
//
// Returns an error if the path contains:
//   - ".." directory traversal sequences
//   - Absolute paths when not expected
//   - Other potentially unsafe patterns
func ValidatePath(path string, allowAbsolute bool) error {
	if path == "" {
		return dbpferrors.New(dbpferrors.Invalid, "path cannot be empty").WithComponent("utils").WithOperation("ValidatePath")
	}

	cleanPath := filepath.Clean(path)

	if strings.Contains(cleanPath, "..") {
		return dbpferrors.New(dbpferrors.Invalid, "path contains directory traversal").
			WithComponent("utils").WithOperation("ValidatePath").WithDetail("path", path)
	}

	if !allowAbsolute && filepath.IsAbs(cleanPath) {
		return dbpferrors.New(dbpferrors.Invalid, "absolute paths not allowed").
			WithComponent("utils").WithOperation("ValidatePath").WithDetail("path", path)
	}

	return nil
}

// ValidatePathWithinBase validates that a file path is within a
// specified base directory. This is used when a collection id or handle
// string derived from untrusted input is joined onto a bucket directory,
// so a crafted value can't walk the result back out of the region root.
func ValidatePathWithinBase(base, path string) error {
	if base == "" {
		return dbpferrors.New(dbpferrors.Invalid, "base path cannot be empty").WithComponent("utils").WithOperation("ValidatePathWithinBase")
	}
	if path == "" {
		return dbpferrors.New(dbpferrors.Invalid, "path cannot be empty").WithComponent("utils").WithOperation("ValidatePathWithinBase")
	}

	cleanBase := filepath.Clean(base)
	cleanPath := filepath.Clean(path)

	if filepath.IsAbs(cleanPath) {
		if !strings.HasPrefix(cleanPath, cleanBase+string(filepath.Separator)) &&
			cleanPath != cleanBase {
			return dbpferrors.New(dbpferrors.Invalid, "path is outside base directory").
				WithComponent("utils").WithOperation("ValidatePathWithinBase").
				WithDetail("path", path).WithDetail("base", base)
		}
		return nil
	}

	fullPath := filepath.Join(cleanBase, cleanPath)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return dbpferrors.New(dbpferrors.Invalid, "path escapes base directory").
			WithComponent("utils").WithOperation("ValidatePathWithinBase").
			WithDetail("path", path).WithDetail("base", base)
	}

	return nil
}

// SecureJoin safely joins path elements onto base and ensures the result
// stays within it. Unlike filepath.Join, it rejects a combination that
// would escape base through directory traversal; the region package uses
// it to build per-collection bucket and stranded-bstream paths from
// handle-derived components.
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", dbpferrors.New(dbpferrors.Invalid, "base path cannot be empty").WithComponent("utils").WithOperation("SecureJoin")
	}

	cleanBase := filepath.Clean(base)

	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return "", dbpferrors.New(dbpferrors.Invalid, "path escapes base directory").
			WithComponent("utils").WithOperation("SecureJoin").WithDetail("base", base)
	}

	return fullPath, nil
}
