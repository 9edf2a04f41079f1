// Package filter decides which paths a scan keeps. Patterns are compiled
// with the gitignore matcher so exclude/include rules, and any discovered
// .gitignore/.kopyignore files, share one matching dialect.
package filter

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	ignore "github.com/sabhiram/go-gitignore"
)

// Chain holds compiled exclude/include pattern sets plus size filters. A
// path is kept unless it matches an exclude pattern, UNLESS it also matches
// an include pattern — include always wins over exclude, regardless of the
// order the patterns were added in.
type Chain struct {
	excludes []string
	includes []string

	excludeMatcher *ignore.GitIgnore
	includeMatcher *ignore.GitIgnore

	minSize int64
	maxSize int64
}

// NewChain creates an empty filter chain.
func NewChain() *Chain {
	return &Chain{}
}

// AddExclude registers an exclude pattern in gitignore syntax.
func (c *Chain) AddExclude(pattern string) error {
	c.excludes = append(c.excludes, pattern)
	return c.recompile()
}

// AddInclude registers an include pattern in gitignore syntax.
func (c *Chain) AddInclude(pattern string) error {
	c.includes = append(c.includes, pattern)
	return c.recompile()
}

// LoadIgnoreFile reads a .gitignore/.kopyignore-style file and folds its
// lines into the exclude set. Missing files are not an error.
func (c *Chain) LoadIgnoreFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		c.excludes = append(c.excludes, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return c.recompile()
}

// DiscoverIgnoreFiles loads .gitignore and .kopyignore from root, in that
// order, if present.
func (c *Chain) DiscoverIgnoreFiles(root string) error {
	for _, name := range []string{".gitignore", ".kopyignore"} {
		if err := c.LoadIgnoreFile(filepath.Join(root, name)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chain) recompile() error {
	if len(c.excludes) > 0 {
		c.excludeMatcher = ignore.CompileIgnoreLines(c.excludes...)
	} else {
		c.excludeMatcher = nil
	}
	if len(c.includes) > 0 {
		c.includeMatcher = ignore.CompileIgnoreLines(c.includes...)
	} else {
		c.includeMatcher = nil
	}
	return nil
}

// SetMinSize sets the minimum file size filter, in bytes.
func (c *Chain) SetMinSize(n int64) { c.minSize = n }

// SetMaxSize sets the maximum file size filter, in bytes.
func (c *Chain) SetMaxSize(n int64) { c.maxSize = n }

// Empty reports whether the chain has no rules and no size filters.
func (c *Chain) Empty() bool {
	return c.excludeMatcher == nil && c.includeMatcher == nil && c.minSize == 0 && c.maxSize == 0
}

// Match reports whether relPath should be KEPT. relPath is slash-separated
// and relative to the scan root; isDir distinguishes directories (size
// filters never apply to them).
func (c *Chain) Match(relPath string, isDir bool, size int64) bool {
	if !isDir {
		if c.minSize > 0 && size < c.minSize {
			return false
		}
		if c.maxSize > 0 && size > c.maxSize {
			return false
		}
	}

	// A trailing slash lets dir-only patterns ("build/") match the directory.
	matchPath := relPath
	if isDir {
		matchPath = relPath + "/"
	}

	excluded := c.excludeMatcher != nil && c.excludeMatcher.MatchesPath(matchPath)
	if !excluded {
		return true
	}
	included := c.includeMatcher != nil && c.includeMatcher.MatchesPath(matchPath)
	return included
}
