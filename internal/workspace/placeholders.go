package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Token names recognised in template files.
const (
	TokenAppName     = "{{APP_NAME}}"
	TokenAppSlug     = "{{APP_SLUG}}"
	TokenCompanyName = "{{COMPANY_NAME}}"
	TokenBundleID    = "{{BUNDLE_ID}}"
	TokenPackageName = "{{PACKAGE_NAME}}"
)

// DefaultFiles is the allow-list of template files scanned for tokens.
var DefaultFiles = []string{
	"app.json",
	"package.json",
	"pubspec.yaml",
	"android/app/build.gradle",
	"android/app/src/main/AndroidManifest.xml",
	"android/app/src/main/res/values/strings.xml",
	"ios/Runner/Info.plist",
}

// Placeholders configures token substitution during materialization.
type Placeholders struct {
	// Files lists workspace-relative paths, slash separated.
	Files []string `yaml:"files"`
	// Tokens holds extra static replacements applied alongside the per-build ones.
	Tokens map[string]string `yaml:"tokens"`
}

// DefaultPlaceholders returns the built-in allow-list with no extra tokens.
func DefaultPlaceholders() *Placeholders {
	return &Placeholders{Files: append([]string(nil), DefaultFiles...)}
}

// LoadPlaceholders reads a YAML placeholder file. An empty path yields the defaults.
// A file without a files list keeps the default allow-list.
func LoadPlaceholders(path string) (*Placeholders, error) {
	if path == "" {
		return DefaultPlaceholders(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading placeholder file: %w", err)
	}

	p := &Placeholders{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parsing placeholder file: %w", err)
	}
	if len(p.Files) == 0 {
		p.Files = append([]string(nil), DefaultFiles...)
	}
	for _, f := range p.Files {
		if !filepath.IsLocal(filepath.FromSlash(f)) {
			return nil, fmt.Errorf("placeholder file %q escapes the workspace", f)
		}
	}
	return p, nil
}

// Substitute replaces every token occurrence in the allow-listed files under
// dir. Files that do not exist are skipped. Tokens with an empty value are left
// untouched. It returns the relative paths that were rewritten.
func Substitute(dir string, files []string, tokens map[string]string) ([]string, error) {
	replacer := newReplacer(tokens)
	if replacer == nil {
		return nil, nil
	}

	var changed []string
	for _, rel := range files {
		local := filepath.FromSlash(rel)
		if !filepath.IsLocal(local) {
			return changed, fmt.Errorf("placeholder file %q escapes the workspace", rel)
		}
		path := filepath.Join(dir, local)

		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return changed, fmt.Errorf("stat %s: %w", rel, err)
		}
		if !info.Mode().IsRegular() {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return changed, fmt.Errorf("reading %s: %w", rel, err)
		}
		out := replacer.Replace(string(data))
		if bytes.Equal([]byte(out), data) {
			continue
		}
		if err := os.WriteFile(path, []byte(out), info.Mode().Perm()); err != nil {
			return changed, fmt.Errorf("writing %s: %w", rel, err)
		}
		changed = append(changed, rel)
	}
	return changed, nil
}

func newReplacer(tokens map[string]string) *strings.Replacer {
	keys := make([]string, 0, len(tokens))
	for k, v := range tokens {
		if k != "" && v != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	// longest first so overlapping tokens resolve deterministically
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, k, tokens[k])
	}
	return strings.NewReplacer(pairs...)
}
