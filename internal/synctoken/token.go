// Package synctoken encodes sync state into an order's free-text note.
//
// The note is the only write channel back to the order source that
// survives without a database, so the grammar is deliberately rigid: a
// line `SHIPSY_ID: <digits>` marks the associated consignment, and an
// optional `SHIPSY_SYNCED_AT: <RFC3339>` line records when. Everything
// else in the note is human text and must be preserved untouched.
package synctoken

import (
    "regexp"
    "strings"
    "time"
)

const (
    idPrefix       = "SHIPSY_ID:"
    syncedAtPrefix = "SHIPSY_SYNCED_AT:"
)

var (
    idPattern       = regexp.MustCompile(`SHIPSY_ID:\s*(\d+)`)
    syncedAtPattern = regexp.MustCompile(`SHIPSY_SYNCED_AT:\s*(\S+)`)
)

// ExtractConsignmentID returns the digits of the first SHIPSY_ID token in
// note, or "" when no token is present. This is the single source of
// truth for "is this order synced" wherever the note is consulted.
func ExtractConsignmentID(note string) string {
    if note == "" { return "" }
    m := idPattern.FindStringSubmatch(note)
    if m == nil { return "" }
    return m[1]
}

// ExtractSyncedAt returns the sync timestamp recorded next to the token.
func ExtractSyncedAt(note string) (time.Time, bool) {
    m := syncedAtPattern.FindStringSubmatch(note)
    if m == nil { return time.Time{}, false }
    t, err := time.Parse(time.RFC3339, m[1])
    if err != nil { return time.Time{}, false }
    return t, true
}

// Append adds the token lines to whatever note text already exists.
// Existing human-authored content is kept verbatim.
func Append(note, consignmentID string, syncedAt time.Time) string {
    var b strings.Builder
    if trimmed := strings.TrimRight(note, "\n"); trimmed != "" {
        b.WriteString(trimmed)
        b.WriteString("\n")
    }
    b.WriteString(idPrefix)
    b.WriteString(" ")
    b.WriteString(consignmentID)
    b.WriteString("\n")
    b.WriteString(syncedAtPrefix)
    b.WriteString(" ")
    b.WriteString(syncedAt.UTC().Format(time.RFC3339))
    return b.String()
}

// Strip removes all token lines, returning the human note text. Used when
// an association is explicitly cleared so the order can be re-synced.
func Strip(note string) string {
    if note == "" { return "" }
    lines := strings.Split(note, "\n")
    kept := lines[:0]
    for _, ln := range lines {
        t := strings.TrimSpace(ln)
        if strings.HasPrefix(t, idPrefix) || strings.HasPrefix(t, syncedAtPrefix) {
            continue
        }
        kept = append(kept, ln)
    }
    return strings.TrimRight(strings.Join(kept, "\n"), "\n")
}
