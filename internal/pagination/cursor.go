// Package pagination implements the opaque cursor tokens the admin queue
// and audit listings page with.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var errBadCursor = errors.New("malformed cursor token")

// Cursor is the decoded page boundary: the creation time and id of the
// last row the client saw.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs a boundary row into an opaque token. Clients must treat
// the token as a black box; its layout may change between releases.
func Encode(createdAt time.Time, id string) string {
	raw := id + "@" + strconv.FormatInt(createdAt.UnixNano(), 10)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a token produced by Encode. An empty token decodes to
// nil, meaning "start from the first page".
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, errBadCursor
	}
	id, stamp, found := strings.Cut(string(raw), "@")
	if !found || id == "" {
		return nil, errBadCursor
	}
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return nil, errBadCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims a limit+1 fetch down to the page the client asked
// for. When the extra row is present there is another page, and the next
// token points at the last row kept; key extracts that row's boundary.
func ComputePage[T any](rows []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(rows) <= limit {
		return rows, "", false
	}
	rows = rows[:limit]
	createdAt, id := key(rows[len(rows)-1])
	return rows, Encode(createdAt, id), true
}
