// Package sandbox implements the Artifact Store (C0): atomic JSON
// read/write and sandbox-relative path-safety checks shared by every other
// component. Grounded on ralph_loop.py's atomic_write_json/load_json_if_exists
// and publisher_adapters/adapter.py's path-traversal guards.
package sandbox

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/cat-ai-factory/caf-pipeline/internal/apperr"
)

// WriteJSONAtomic serializes obj with sorted keys, writes it to path+".tmp",
// then renames over path. Rename is the crash-atomicity boundary: readers
// never observe a partial file.
func WriteJSONAtomic(path string, obj any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "mkdir for %s", path)
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "marshal %s", path)
	}
	// Struct fields marshal in declaration order; re-encoding through a
	// generic value emits every object's keys sorted, as map keys already are.
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "marshal %s", path)
	}
	data, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "marshal %s", path)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "write temp file for %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "rename into place %s", path)
	}
	return nil
}

// ReadJSONIfExists returns false when the file is absent, and also false —
// reported through warn when warn is non-nil — when it exists but fails to
// parse. This
// is the advisory-silence behavior spec.md §9's Open Question keeps for the
// finalize-gate artifact, generalized to every optional artifact read.
func ReadJSONIfExists(path string, out any, warn func(msg string, fields ...zap.Field)) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		if warn != nil {
			warn("artifact present but unparseable; treating as absent", zap.String("path", path), zap.Error(err))
		}
		return false
	}
	return true
}

// SafeRelpath canonicalizes p and root and verifies p is a descendant of
// root, returning the POSIX-normalized relative path. Any traversal outside
// root is a fatal PathEscape.
func SafeRelpath(p, root string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", apperr.Wrapf(err, apperr.TypeFsFailure, "resolving root %s", root)
	}
	absP, err := filepath.Abs(p)
	if err != nil {
		return "", apperr.Wrapf(err, apperr.TypeFsFailure, "resolving path %s", p)
	}
	// Resolve symlinks where the target exists; a not-yet-created file (e.g.
	// a bundle output path) simply keeps its lexical absolute form.
	if resolved, err := filepath.EvalSymlinks(absP); err == nil {
		absP = resolved
	}
	if resolvedRoot, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolvedRoot
	}
	rel, err := filepath.Rel(absRoot, absP)
	if err != nil || hasParentSegment(rel) {
		return "", apperr.Newf(apperr.TypePathEscape, "%s escapes sandbox root %s", p, root)
	}
	if rel == "." {
		return "", apperr.Newf(apperr.TypePathEscape, "%s resolves to sandbox root itself", p)
	}
	return filepath.ToSlash(rel), nil
}

func hasParentSegment(rel string) bool {
	rel = filepath.ToSlash(rel)
	if rel == ".." {
		return true
	}
	for _, seg := range splitSlash(rel) {
		if seg == ".." {
			return true
		}
	}
	return false
}

func splitSlash(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == '/' {
			out = append(out, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	out = append(out, cur)
	return out
}

// EnsureUnder is the boolean form of SafeRelpath, used at sandbox boundaries
// where callers want a plain guard rather than the normalized string.
func EnsureUnder(p, root string) bool {
	_, err := SafeRelpath(p, root)
	return err == nil
}
