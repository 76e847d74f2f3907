/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package catalog discovers SQL patch files and turns them into an ordered list of patches.
//
// A patch file name starts with a numeric version followed by a descriptive suffix:
//
//	001_create_users.sql
//	002_add_email.sql
//	20250115000000_backfill_emails.up.sql
//
// Files that do not match (including "*.down.sql" rollback files) are ignored.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"unicode/utf8"

	"github.com/acronis/go-appkit/log"
)

// ErrDirectoryUnavailable is returned when the patch directory does not exist or cannot be read.
var ErrDirectoryUnavailable = errors.New("patch directory unavailable")

// MaxNameLength is the maximum number of characters in a patch name. It matches the ledger column width.
const MaxNameLength = 255

// ErrNameTooLong is returned when the descriptive part of a patch filename exceeds MaxNameLength characters.
var ErrNameTooLong = errors.New("patch name is too long")

// ErrDuplicateVersion is matched by DuplicateVersionError.
var ErrDuplicateVersion = errors.New("duplicate patch version")

// DuplicateVersionError is returned when two files declare the same version.
type DuplicateVersionError struct {
	Version int64
	Paths   [2]string
}

func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("%s %d: %s and %s", ErrDuplicateVersion, e.Version, e.Paths[0], e.Paths[1])
}

// Is makes errors.Is(err, ErrDuplicateVersion) work.
func (e *DuplicateVersionError) Is(target error) bool {
	return target == ErrDuplicateVersion
}

// Catalog scans a directory of a filesystem for patch files.
type Catalog struct {
	fsys             fs.FS
	dir              string
	logger           log.FieldLogger
	backslashEscapes bool
}

// Option is a functional option for Catalog.
type Option func(*Catalog)

// WithLogger sets a logger that receives debug records about ignored files.
func WithLogger(logger log.FieldLogger) Option {
	return func(c *Catalog) {
		c.logger = logger
	}
}

// WithBackslashEscapes makes a backslash escape the next character in every quoted string, as MySQL does.
func WithBackslashEscapes() Option {
	return func(c *Catalog) {
		c.backslashEscapes = true
	}
}

// New creates a catalog over dir of fsys. Use it with embed.FS for patches compiled into the binary.
func New(fsys fs.FS, dir string, opts ...Option) *Catalog {
	c := &Catalog{fsys: fsys, dir: dir, logger: log.NewDisabledLogger()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewDir creates a catalog over a directory of the OS filesystem.
func NewDir(dirPath string, opts ...Option) *Catalog {
	return New(os.DirFS(dirPath), ".", opts...)
}

// Scan reads the directory and returns patches sorted by ascending version.
// Every call reads the directory again and returns an independent slice.
func (c *Catalog) Scan(ctx context.Context) ([]Patch, error) {
	entries, err := fs.ReadDir(c.fsys, c.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}

	patches := make([]Patch, 0, len(entries))
	seen := make(map[int64]string, len(entries))
	for _, entry := range entries {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		filePath := path.Join(c.dir, entry.Name())
		if entry.IsDir() {
			continue
		}
		version, name, ok := ParseFilename(entry.Name())
		if !ok {
			c.logger.Debug("ignoring file that is not a patch", log.String("path", filePath))
			continue
		}
		if n := utf8.RuneCountInString(name); n > MaxNameLength {
			return nil, fmt.Errorf("%w: %s has %d characters, at most %d are allowed",
				ErrNameTooLong, filePath, n, MaxNameLength)
		}
		if prev, dup := seen[version]; dup {
			return nil, &DuplicateVersionError{Version: version, Paths: [2]string{prev, filePath}}
		}
		seen[version] = filePath

		p, err := c.loadPatch(filePath, version, name)
		if err != nil {
			return nil, err
		}
		patches = append(patches, p)
	}

	sort.Slice(patches, func(i, j int) bool {
		return patches[i].Version < patches[j].Version
	})
	return patches, nil
}

func (c *Catalog) loadPatch(filePath string, version int64, name string) (Patch, error) {
	content, err := fs.ReadFile(c.fsys, filePath)
	if err != nil {
		return Patch{}, fmt.Errorf("read patch %s: %w", filePath, err)
	}
	statements, disableTx, err := ParseStatements(string(content), c.backslashEscapes)
	if err != nil {
		return Patch{}, fmt.Errorf("patch %s: %w", filePath, err)
	}
	return Patch{
		Version:    version,
		Name:       name,
		Path:       filePath,
		Content:    string(content),
		Checksum:   Checksum(string(content)),
		Statements: statements,
		DisableTx:  disableTx,
	}, nil
}
