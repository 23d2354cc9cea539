// Package corresp loads the class-correspondence table of a model
// repository: a mapping from output class index to human-readable
// label.
//
// The source file is line-oriented text, one "<index> <label>" entry
// per line. The table is built once at load time and is immutable
// afterward.
package corresp

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/hupe1980/modelrepo/internal/fs"
)

// Table maps class indices to labels. The zero value is an empty,
// usable table.
type Table struct {
	labels map[int]string
}

// Empty returns an empty table.
func Empty() *Table {
	return &Table{labels: map[int]string{}}
}

// Load reads the correspondence file at path.
//
// Keys need not be contiguous. A line is split at its first space; a
// line with an empty key segment is skipped, as is a line whose key is
// not an integer. A line with no space at all maps its index to its
// own text, preserving the historical file format quirk.
func Load(fsys fs.FileSystem, path string) (*Table, error) {
	if fsys == nil {
		fsys = fs.Default
	}

	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t := Empty()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()

		key := line
		label := line
		if i := strings.IndexByte(line, ' '); i >= 0 {
			key = line[:i]
			label = line[i+1:]
		}
		if key == "" {
			continue
		}

		idx, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		t.labels[idx] = label
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return t, nil
}

// Label returns the label for class index i, or the decimal string
// representation of i when no entry exists. Lookup never fails.
func (t *Table) Label(i int) string {
	if t != nil && t.labels != nil {
		if label, ok := t.labels[i]; ok {
			return label
		}
	}
	return strconv.Itoa(i)
}

// Len returns the number of entries in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.labels)
}
