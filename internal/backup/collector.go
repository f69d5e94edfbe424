package backup

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tis24dev/rcbackup/internal/config"
	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/safefs"
	"github.com/tis24dev/rcbackup/internal/types"
	"github.com/tis24dev/rcbackup/pkg/utils"
)

// Selection is the outcome of one file-selection pass. It is rebuilt on
// every call and never modified afterwards.
type Selection struct {
	Files        []string
	SizeExcluded []string
	Stats        CollectionStats
}

// TotalSize sums the sizes of the selected entries as they are now.
func (s *Selection) TotalSize() int64 {
	_, total := sizesOf(s.Files)
	return total
}

// CollectionStats tracks statistics during file selection.
type CollectionStats struct {
	DirsScanned   int
	DirsPruned    int
	DirsFailed    int
	FilesSeen     int
	ManifestLines int
}

// CollectorConfig holds options for file selection.
type CollectorConfig struct {
	// ScanTimeout bounds each directory listing and glob; zero disables it.
	ScanTimeout time.Duration
}

// Collector walks source rules and input manifests to build a Selection.
type Collector struct {
	logger *logging.Logger
	config CollectorConfig
}

// NewCollector creates a new collector.
func NewCollector(logger *logging.Logger, cfg CollectorConfig) *Collector {
	return &Collector{logger: logger, config: cfg}
}

type selectionBuilder struct {
	sel  *Selection
	seen map[string]struct{}
}

func (b *selectionBuilder) add(path string) {
	b.sel.Files = append(b.sel.Files, path)
	b.seen[path] = struct{}{}
}

func (b *selectionBuilder) addUnique(path string) {
	if _, ok := b.seen[path]; ok {
		return
	}
	b.add(path)
}

// Select runs every source rule in order and then every input manifest.
// Unreadable directories and missing manifests contribute nothing; only
// cancellation or an invalid rule aborts the pass.
func (c *Collector) Select(ctx context.Context, rules []config.SourceRule, inputFiles []string) (*Selection, error) {
	done := logging.DebugStart(c.logger, "select files", "rules=%d manifests=%d", len(rules), len(inputFiles))
	b := &selectionBuilder{sel: &Selection{}, seen: make(map[string]struct{})}

	c.logger.Info("Searching for files")
	for _, src := range rules {
		rule, err := CompileRule(src)
		if err != nil {
			err = types.NewError(types.KindSelection, "compile rule", err).WithPath(src.Dir)
			done(err)
			return nil, err
		}
		if err := c.scanRule(ctx, rule, b); err != nil {
			done(err)
			return nil, err
		}
	}
	c.logger.Info("Found %d files", len(b.sel.Files))

	if len(inputFiles) > 0 {
		c.logger.Info("Scanning input files")
	}
	for _, manifest := range inputFiles {
		if err := c.readManifest(ctx, manifest, b); err != nil {
			done(err)
			return nil, err
		}
	}

	done(nil)
	return b.sel, nil
}

func (c *Collector) scanRule(ctx context.Context, rule *Rule, b *selectionBuilder) error {
	pattern := utils.ExpandHome(utils.ExpandEnv(rule.Dir))
	roots, err := safefs.Glob(ctx, pattern, c.config.ScanTimeout)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Warning("Cannot expand %s: %v", pattern, err)
		return nil
	}
	if len(roots) == 0 {
		c.logger.Debug("No directory matches %s", pattern)
	}

	for _, root := range roots {
		info, err := safefs.Stat(ctx, root, c.config.ScanTimeout)
		if err != nil || !info.IsDir() {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.logger.Debug("Skipping %s: not a readable directory", root)
			continue
		}
		if err := c.walk(ctx, rule, root, root, b); err != nil {
			return err
		}
		for _, name := range rule.IncludeFiles {
			b.addUnique(filepath.Join(root, name))
		}
	}
	return nil
}

// walk lists dir, selects its files, then descends into the subdirectories
// the rule allows, in name order.
func (c *Collector) walk(ctx context.Context, rule *Rule, root, dir string, b *selectionBuilder) error {
	entries, err := safefs.ReadDir(ctx, dir, c.config.ScanTimeout)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		b.sel.Stats.DirsFailed++
		c.logger.Warning("Cannot read directory %s: %v", dir, err)
		return nil
	}
	b.sel.Stats.DirsScanned++

	var subdirs []string
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			if rule.Descend(root, full) {
				subdirs = append(subdirs, full)
			} else {
				b.sel.Stats.DirsPruned++
				c.logger.Debug("Pruned directory %s", full)
			}
			continue
		}

		// Sizes follow symlinks; links to directories are neither entered nor selected.
		var size int64
		if info, err := safefs.Stat(ctx, full, c.config.ScanTimeout); err == nil {
			if entry.Type()&fs.ModeSymlink != 0 && info.IsDir() {
				continue
			}
			size = info.Size()
		} else if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		b.sel.Stats.FilesSeen++
		if rule.ExceedsSize(size) {
			b.sel.SizeExcluded = append(b.sel.SizeExcluded, full)
			continue
		}
		rel, err := filepath.Rel(root, full)
		if err != nil {
			rel = full
		}
		if rule.Match(entry.Name(), rel) {
			b.add(full)
		}
	}

	for _, sub := range subdirs {
		if err := c.walk(ctx, rule, root, sub, b); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) readManifest(ctx context.Context, manifest string, b *selectionBuilder) error {
	path := utils.ExpandHome(utils.ExpandEnv(manifest))
	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Warning("Skipping input file %s: %v", path, err)
		return nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if utils.IsComment(line) {
			continue
		}
		b.sel.Stats.ManifestLines++
		pattern := utils.ExpandEnv(strings.TrimSpace(line))
		matches, err := safefs.Glob(ctx, pattern, c.config.ScanTimeout)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.logger.Warning("Input file %s: cannot expand %q: %v", path, pattern, err)
			continue
		}
		for _, match := range matches {
			b.add(match)
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warning("Input file %s: %v", path, fmt.Errorf("read: %w", err))
	}
	return nil
}
