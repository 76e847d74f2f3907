/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Patch is a single versioned unit of SQL change loaded from a file.
type Patch struct {
	// Version is parsed from the numeric filename prefix ("001_..." or "20250115000000_...").
	Version int64

	// Name is the descriptive part of the filename.
	Name string

	// Path is the slash-separated path of the file inside the catalog filesystem.
	Path string

	// Content is the raw SQL text of the file.
	Content string

	// Checksum is the hex-encoded SHA-256 of Content with line endings normalized to LF.
	Checksum string

	// Statements are the SQL statements of the patch in file order.
	Statements []string

	// DisableTx is set for files annotated with "-- +migrate Up notransaction".
	DisableTx bool
}

// String returns a human-readable identifier of the patch.
func (p Patch) String() string {
	if p.Name == "" {
		return strconv.FormatInt(p.Version, 10)
	}
	return fmt.Sprintf("%d (%s)", p.Version, p.Name)
}

// Checksum returns the checksum of patch content as stored in the ledger.
// CRLF and CR line endings are normalized so checkouts on different platforms do not drift.
func Checksum(content string) string {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

const (
	sqlSuffix  = ".sql"
	upSuffix   = ".up"
	downSuffix = ".down"
)

var filenameRe = regexp.MustCompile(`^(\d+)(?:[_.\-](.*))?$`)

// ParseFilename extracts the version and the display name from a patch filename.
// Accepted forms: "001_create_users.sql", "002-add-email.sql", "20250115000000.sql", "0003_posts.up.sql".
// Rollback files ("*.down.sql") and anything else are reported as not matching.
func ParseFilename(filename string) (version int64, name string, ok bool) {
	if !strings.HasSuffix(filename, sqlSuffix) {
		return 0, "", false
	}
	base := strings.TrimSuffix(filename, sqlSuffix)
	if strings.HasSuffix(base, downSuffix) {
		return 0, "", false
	}
	base = strings.TrimSuffix(base, upSuffix)

	m := filenameRe.FindStringSubmatch(base)
	if m == nil {
		return 0, "", false
	}
	version, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return version, m[2], true
}
