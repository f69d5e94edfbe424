package backup

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/tis24dev/rcbackup/pkg/utils"
)

// FileSize pairs a path with its size at report time.
type FileSize struct {
	Path string
	Size int64
}

// Report summarizes a build for the "<archive_path>.log" file.
type Report struct {
	TotalSize    int64
	ArchiveSize  int64 // -1 when the archive could not be read
	Files        []FileSize
	SizeExcluded []FileSize
}

func sizesOf(paths []string) ([]FileSize, int64) {
	out := make([]FileSize, 0, len(paths))
	var total int64
	for _, p := range paths {
		size := utils.GetFileSize(p)
		total += size
		out = append(out, FileSize{Path: p, Size: size})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Size > out[j].Size })
	return out, total
}

// NewReport measures the selection and the archive built from it.
func NewReport(sel *Selection, archivePath string) *Report {
	r := &Report{ArchiveSize: -1}
	r.Files, r.TotalSize = sizesOf(sel.Files)
	r.SizeExcluded, _ = sizesOf(sel.SizeExcluded)
	if info, err := os.Stat(archivePath); err == nil {
		r.ArchiveSize = info.Size()
	}
	return r
}

// Render formats the report, largest files first.
func (r *Report) Render() []byte {
	p := message.NewPrinter(language.English)
	var b bytes.Buffer

	archiveSize := "error"
	if r.ArchiveSize >= 0 {
		archiveSize = utils.FormatBytes(r.ArchiveSize)
	}
	fmt.Fprintf(&b, "Size of files: %s\n", utils.FormatBytes(r.TotalSize))
	fmt.Fprintf(&b, "Size of tarball: %s\n", archiveSize)
	b.WriteString(p.Sprintf("Number of files: %d\n", len(r.Files)))

	b.WriteString("Files excluded by size:\n")
	for _, f := range r.SizeExcluded {
		fmt.Fprintf(&b, "%s\t%s\n", utils.FormatBytes(f.Size), f.Path)
	}
	b.WriteString("\nFiles archived:\n")
	for _, f := range r.Files {
		fmt.Fprintf(&b, "%s\t%s\n", utils.FormatBytes(f.Size), f.Path)
	}
	return b.Bytes()
}

// WriteFile replaces path with the rendered report.
func (r *Report) WriteFile(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(r.Render()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close report: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod report: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("finalize report: %w", err)
	}
	return nil
}
