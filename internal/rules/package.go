package rules

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// zipOutputs writes the files below dir matching any of patterns into a zip
// archive at dst. Matching nothing is an error: a requested package must
// never be published empty.
func zipOutputs(dir string, patterns []string, dst string) error {
	seen := map[string]struct{}{}
	var files []string
	for _, p := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, filepath.FromSlash(p)))
		if err != nil {
			return fmt.Errorf("pattern %q: %w", p, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				files = append(files, m)
			}
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("no output files match %v", patterns)
	}
	sort.Strings(files)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, f := range files {
		rel, err := filepath.Rel(dir, f)
		if err != nil {
			return err
		}
		if err := addToZip(zw, f, filepath.ToSlash(rel)); err != nil {
			return fmt.Errorf("add %s: %w", rel, err)
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return out.Close()
}

func addToZip(zw *zip.Writer, path, name string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}
