package backup

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/tis24dev/rcbackup/internal/config"
)

// Rule is a compiled source rule. A nil pattern means the rule was left
// empty in the configuration and takes no part in matching. The include
// pattern is the exception: an empty include pattern matches every name,
// as existing configurations rely on.
type Rule struct {
	Dir          string
	IncludeFiles []string
	ExcludeDirs  []string
	MaxSize      int64

	include     *regexp.Regexp
	includePath *regexp.Regexp
	exclude     *regexp.Regexp
	excludeDir  *regexp.Regexp
	excludePath *regexp.Regexp
}

func compileOptional(field, pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return re, nil
}

// CompileRule compiles the regular expressions of a resolved source rule.
func CompileRule(src config.SourceRule) (*Rule, error) {
	include, err := regexp.Compile(src.IncludePattern)
	if err != nil {
		return nil, fmt.Errorf("include_pattern: %w", err)
	}
	r := &Rule{
		Dir:          src.Dir,
		IncludeFiles: src.IncludeFiles,
		ExcludeDirs:  src.ExcludeDirs,
		MaxSize:      int64(src.MaxSize),
		include:      include,
	}
	if r.includePath, err = compileOptional("include_path_pattern", src.IncludePathPattern); err != nil {
		return nil, err
	}
	if r.exclude, err = compileOptional("exclude_pattern", src.ExcludePattern); err != nil {
		return nil, err
	}
	if r.excludeDir, err = compileOptional("exclude_dir_pattern", src.ExcludeDirPattern); err != nil {
		return nil, err
	}
	if r.excludePath, err = compileOptional("exclude_path_pattern", src.ExcludePathPattern); err != nil {
		return nil, err
	}
	return r, nil
}

// ExceedsSize reports whether a file of the given size is over the rule's
// limit. Size exclusion wins over every pattern.
func (r *Rule) ExceedsSize(size int64) bool {
	return r.MaxSize > 0 && size > r.MaxSize
}

// Match decides inclusion of a file from its basename and its path relative
// to the scanned directory. Each active exclude tests the field it was
// written for: exclude_pattern the basename, exclude_path_pattern the
// relative path. When exclude_path_pattern is the only exclude set, the
// include pattern is tested against the relative path as well, matching
// the selection existing configurations were written against.
func (r *Rule) Match(name, relPath string) bool {
	if r.exclude != nil && r.exclude.MatchString(name) {
		return false
	}
	if r.excludePath != nil && r.excludePath.MatchString(relPath) {
		return false
	}
	includeField := name
	if r.exclude == nil && r.excludePath != nil {
		includeField = relPath
	}
	if r.include.MatchString(includeField) {
		return true
	}
	return r.includePath != nil && r.includePath.MatchString(relPath)
}

// Descend reports whether the walker should enter dirPath, a directory
// found under root.
func (r *Rule) Descend(root, dirPath string) bool {
	dirPath = filepath.Clean(dirPath)
	for _, excluded := range r.ExcludeDirs {
		if !filepath.IsAbs(excluded) {
			excluded = filepath.Join(root, excluded)
		}
		if filepath.Clean(excluded) == dirPath {
			return false
		}
	}
	if r.excludeDir != nil && r.excludeDir.MatchString(filepath.Base(dirPath)) {
		return false
	}
	if r.excludePath != nil {
		rel, err := filepath.Rel(root, dirPath)
		if err == nil && r.excludePath.MatchString(rel) {
			return false
		}
	}
	return true
}
