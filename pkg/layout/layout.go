// Package layout implements the on-disk directory discipline that is the
// source of truth for project/bucket/table existence: paths are tested
// directly against the filesystem, never inferred from the catalog.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/keboola/storage-duckdb/pkg/types"
)

// dataFileName is the fixed name of the data file inside every table
// directory; callers never parameterize it.
const dataFileName = "data"

// Layout resolves project/bucket/table identifiers to filesystem paths
// rooted at a single data directory.
type Layout struct {
	root string
}

func New(root string) *Layout {
	return &Layout{root: root}
}

func projectDirName(project string) string { return "project_" + project }

func branchDirName(branch string) string { return "branch_" + branch }

// ProjectDir returns the absolute directory for a project.
func (l *Layout) ProjectDir(project string) string {
	return filepath.Join(l.root, projectDirName(project))
}

// BranchDir returns the dev-branch subdirectory for (project, branch).
// branch must not be types.MainBranchID; callers resolve main separately.
func (l *Layout) BranchDir(project, branch string) string {
	return filepath.Join(l.ProjectDir(project), branchDirName(branch))
}

// BucketDir returns a bucket's directory under either the project root
// (branch == types.MainBranchID) or a dev branch's subdirectory.
func (l *Layout) BucketDir(project, branch, bucket string) string {
	if branch == "" || branch == types.MainBranchID {
		return filepath.Join(l.ProjectDir(project), bucket)
	}
	return filepath.Join(l.BranchDir(project, branch), bucket)
}

// TableFile returns the absolute path of a table's single data file.
func (l *Layout) TableFile(project, branch, bucket, table string) string {
	return filepath.Join(l.BucketDir(project, branch, bucket), table, dataFileName)
}

// TableDir returns the directory that holds a table's data file (and any
// engine-managed side files).
func (l *Layout) TableDir(project, branch, bucket, table string) string {
	return filepath.Join(l.BucketDir(project, branch, bucket), table)
}

// ProjectExists tests project existence by path, per the "tested for
// existence by path, not by catalog" invariant.
func (l *Layout) ProjectExists(project string) bool {
	return dirExists(l.ProjectDir(project))
}

func (l *Layout) BucketExists(project, branch, bucket string) bool {
	return dirExists(l.BucketDir(project, branch, bucket))
}

func (l *Layout) TableExists(project, branch, bucket, table string) bool {
	return fileExists(l.TableFile(project, branch, bucket, table))
}

// CreateProject creates the project directory, refusing (via a sentinel
// already-exists check left to the caller) if it already exists.
func (l *Layout) CreateProject(project string) error {
	if l.ProjectExists(project) {
		return fmt.Errorf("project directory already exists: %s", project)
	}
	return os.MkdirAll(l.ProjectDir(project), 0o755)
}

// DropProject removes the entire project directory tree.
func (l *Layout) DropProject(project string) error {
	return os.RemoveAll(l.ProjectDir(project))
}

// CreateBucket creates a bucket directory under main. Buckets are never
// branched (per §4.3), so this always targets the project root.
func (l *Layout) CreateBucket(project, bucket string) error {
	if l.BucketExists(project, types.MainBranchID, bucket) {
		return fmt.Errorf("bucket directory already exists: %s", bucket)
	}
	return os.MkdirAll(l.BucketDir(project, types.MainBranchID, bucket), 0o755)
}

// DeleteBucket removes a bucket directory. If cascade is false the caller
// must have already verified the bucket is empty of tables.
func (l *Layout) DeleteBucket(project, bucket string) error {
	return os.RemoveAll(l.BucketDir(project, types.MainBranchID, bucket))
}

// IsBucketEmpty reports whether a bucket directory holds no table
// subdirectories.
func (l *Layout) IsBucketEmpty(project, bucket string) (bool, error) {
	entries, err := os.ReadDir(l.BucketDir(project, types.MainBranchID, bucket))
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// ListBuckets lists bucket directory names under main.
func (l *Layout) ListBuckets(project string) ([]string, error) {
	entries, err := os.ReadDir(l.ProjectDir(project))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), "branch_") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// ListTables lists table directory names under a bucket, on a given
// branch (types.MainBranchID for main).
func (l *Layout) ListTables(project, branch, bucket string) ([]string, error) {
	entries, err := os.ReadDir(l.BucketDir(project, branch, bucket))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// CreateTableDir creates a table's directory; an existing directory is
// left as it is and is not an error.
func (l *Layout) CreateTableDir(project, branch, bucket, table string) error {
	return os.MkdirAll(l.TableDir(project, branch, bucket, table), 0o755)
}

// DeleteTable removes a table's directory (and its data file).
func (l *Layout) DeleteTable(project, branch, bucket, table string) error {
	return os.RemoveAll(l.TableDir(project, branch, bucket, table))
}

// TableSizeBytes stats the table's data file.
func (l *Layout) TableSizeBytes(project, branch, bucket, table string) (int64, error) {
	fi, err := os.Stat(l.TableFile(project, branch, bucket, table))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// CountBucketsAndTables recomputes the project's aggregate counters
// directly from the filesystem, per the "source of truth is disk"
// invariant (§4.1).
func (l *Layout) CountBucketsAndTables(project string) (buckets int, tables int, sizeBytes int64, err error) {
	bucketNames, err := l.ListBuckets(project)
	if err != nil {
		return 0, 0, 0, err
	}
	buckets = len(bucketNames)
	for _, b := range bucketNames {
		tableNames, err := l.ListTables(project, types.MainBranchID, b)
		if err != nil {
			return 0, 0, 0, err
		}
		tables += len(tableNames)
		for _, t := range tableNames {
			sz, err := l.TableSizeBytes(project, types.MainBranchID, b, t)
			if err == nil {
				sizeBytes += sz
			}
		}
	}
	return buckets, tables, sizeBytes, nil
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
