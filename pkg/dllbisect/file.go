package dllbisect

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "crypto/sha256"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/opencontainers/go-digest"
)

// A FileItem identifies one donor file by its path relative to the donor root.
// Size, ModTime and Digest are only used for reporting.
type FileItem struct {
	Path    string        `yaml:"path" json:"path"`                         // Relative path with forward slashes, unique within a donor set
	Size    int64         `yaml:"size" json:"size"`                         // Size in bytes
	ModTime time.Time     `yaml:"modTime" json:"modTime"`                   // Modification time of the donor file
	Digest  digest.Digest `yaml:"digest,omitempty" json:"digest,omitempty"` // Content digest, only set if requested during enumeration
}

// A CandidateSet is an ordered sequence of donor files.
// The order is the enumeration order of the donor, which keeps splits deterministic.
type CandidateSet []FileItem

// Paths returns the relative paths of all files in the set, in order
func (c CandidateSet) Paths() []string {
	paths := make([]string, len(c))
	for i, f := range c {
		paths[i] = f.Path
	}
	return paths
}

// Contains returns whether a file with the passed path is part of the set
func (c CandidateSet) Contains(path string) bool {
	for _, f := range c {
		if f.Path == path {
			return true
		}
	}
	return false
}

// Union returns a new set holding all files of c followed by the files of other which are not yet in c
func (c CandidateSet) Union(other CandidateSet) CandidateSet {
	union := make(CandidateSet, 0, len(c)+len(other))
	union = append(union, c...)
	for _, f := range other {
		if !c.Contains(f.Path) {
			union = append(union, f)
		}
	}
	return union
}

// Without returns a new set holding all files of c except the one with the passed path
func (c CandidateSet) Without(path string) CandidateSet {
	rest := make(CandidateSet, 0, len(c))
	for _, f := range c {
		if f.Path != path {
			rest = append(rest, f)
		}
	}
	return rest
}

// Split splits the set at its midpoint. The first half holds ⌈n/2⌉ files.
// Both halves are copies and may be modified freely.
func (c CandidateSet) Split() (CandidateSet, CandidateSet) {
	mid := (len(c) + 1) / 2
	first := append(CandidateSet{}, c[:mid]...)
	second := append(CandidateSet{}, c[mid:]...)
	return first, second
}

// Key returns a stable identity of the set's paths, independent of their order
func (c CandidateSet) Key() string {
	paths := c.Paths()
	sort.Strings(paths)
	var b strings.Builder
	for _, p := range paths {
		b.WriteString(p)
		b.WriteByte(0)
	}
	return digest.FromString(b.String()).Encoded()
}

// EnumerateOptions controls which files of a donor make up the universe
type EnumerateOptions struct {
	Include []string // Doublestar patterns of files to include. All files are included if empty
	Exclude []string // Doublestar patterns of files to exclude

	Checksums bool // Whether to compute a digest of every donor file

	// If set, donor files which are byte-identical to the file at the same path under CompareRoot are skipped.
	// Implies Checksums.
	CompareRoot string
}

// EnumerateDonor walks the donor root and returns all matching regular files in lexical order
func EnumerateDonor(donorRoot string, opts EnumerateOptions) (CandidateSet, error) {
	for _, pattern := range append(append([]string{}, opts.Include...), opts.Exclude...) {
		if !doublestar.ValidatePattern(pattern) {
			return nil, errors.Join(ErrInvalidJob, fmt.Errorf("invalid file pattern %q", pattern))
		}
	}

	checksums := opts.Checksums || opts.CompareRoot != ""

	var universe CandidateSet
	err := filepath.WalkDir(donorRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(donorRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if len(opts.Include) > 0 && !matchesAny(opts.Include, rel) {
			return nil
		}
		if matchesAny(opts.Exclude, rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		item := FileItem{
			Path:    rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}

		if checksums {
			if item.Digest, err = fileDigest(path); err != nil {
				return err
			}
		}

		if opts.CompareRoot != "" {
			targetDigest, err := fileDigest(filepath.Join(opts.CompareRoot, filepath.FromSlash(rel)))
			if err == nil && targetDigest == item.Digest {
				return nil
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}

		universe = append(universe, item)
		return nil
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to enumerate donor %s", donorRoot), err)
	}

	return universe, nil
}

func matchesAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		// Patterns were validated up front, so Match can't fail here
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

func fileDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.FromReader(f)
}
