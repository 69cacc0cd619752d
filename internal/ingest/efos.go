package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/redis/go-redis/v9"
	"golang.org/x/text/encoding/charmap"

	"github.com/contamx/contamx/internal/shared"
)

// EFOSList answers whether an RFC appears on the SAT 69-B list of
// taxpayers invoicing simulated operations.
type EFOSList interface {
	IsFlagged(ctx context.Context, rfc string) (bool, error)
	Replace(ctx context.Context, rfcs []string) error
}

// DefaultEFOSKey is the redis set holding flagged RFCs.
const DefaultEFOSKey = "efos:69b:flagged"

// RedisEFOSList keeps the flagged RFCs in a redis set shared by every
// process.
type RedisEFOSList struct {
	client *redis.Client
	key    string
}

// NewRedisEFOSList builds the list over key, or DefaultEFOSKey when empty.
func NewRedisEFOSList(client *redis.Client, key string) *RedisEFOSList {
	if key == "" {
		key = DefaultEFOSKey
	}
	return &RedisEFOSList{client: client, key: key}
}

// IsFlagged checks set membership. Redis failures are transient.
func (l *RedisEFOSList) IsFlagged(ctx context.Context, rfc string) (bool, error) {
	ok, err := l.client.SIsMember(ctx, l.key, shared.NormalizeRFC(rfc)).Result()
	if err != nil {
		return false, shared.Transient("EFOSUnavailable", err)
	}
	return ok, nil
}

// Replace swaps the whole set atomically: readers see either the old or the
// new list, never a partial one.
func (l *RedisEFOSList) Replace(ctx context.Context, rfcs []string) error {
	tmp := l.key + ":loading"
	members := make([]any, 0, len(rfcs))
	for _, rfc := range rfcs {
		members = append(members, shared.NormalizeRFC(rfc))
	}
	pipe := l.client.TxPipeline()
	pipe.Del(ctx, tmp)
	if len(members) == 0 {
		pipe.Del(ctx, l.key)
	} else {
		pipe.SAdd(ctx, tmp, members...)
		pipe.Rename(ctx, tmp, l.key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return shared.Transient("EFOSUnavailable", err)
	}
	return nil
}

// EFOSStatus is the "Situación del contribuyente" column of the 69-B list.
type EFOSStatus string

const (
	EFOSDefinitive EFOSStatus = "Definitivo"
	EFOSPresumed   EFOSStatus = "Presunto"
	EFOSDisproved  EFOSStatus = "Desvirtuado"
	EFOSFavorable  EFOSStatus = "Sentencia Favorable"
)

// Flagged reports whether the status blocks deductions.
func (s EFOSStatus) Flagged() bool {
	return s == EFOSDefinitive || s == EFOSPresumed
}

// EFOSEntry is one row of the 69-B list.
type EFOSEntry struct {
	RFC    string
	Name   string
	Status EFOSStatus
}

var statusByFolded = map[string]EFOSStatus{
	"definitivo":          EFOSDefinitive,
	"presunto":            EFOSPresumed,
	"desvirtuado":         EFOSDisproved,
	"sentencia favorable": EFOSFavorable,
}

// ParseEFOSCSV reads the SAT "Listado completo 69-B" file, which is Latin-1
// encoded and carries free-text lines before the header row. Rows with an
// unknown status or malformed RFC are skipped.
func ParseEFOSCSV(r io.Reader) ([]EFOSEntry, error) {
	reader := csv.NewReader(charmap.ISO8859_1.NewDecoder().Reader(r))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	rfcCol, nameCol, statusCol := -1, -1, -1
	var out []EFOSEntry
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEFOS, err)
		}
		if rfcCol < 0 {
			for i, field := range record {
				folded := shared.Fold(field)
				switch {
				case folded == "rfc":
					rfcCol = i
				case strings.HasPrefix(folded, "nombre"):
					nameCol = i
				case strings.HasPrefix(folded, "situacion"):
					statusCol = i
				}
			}
			if rfcCol < 0 || statusCol < 0 {
				rfcCol, nameCol, statusCol = -1, -1, -1
			}
			continue
		}
		if rfcCol >= len(record) || statusCol >= len(record) {
			continue
		}
		status, ok := statusByFolded[shared.Fold(record[statusCol])]
		rfc := shared.NormalizeRFC(record[rfcCol])
		if !ok || !shared.ValidRFC(rfc) {
			continue
		}
		entry := EFOSEntry{RFC: rfc, Status: status}
		if nameCol >= 0 && nameCol < len(record) {
			entry.Name = strings.TrimSpace(record[nameCol])
		}
		out = append(out, entry)
	}
	if rfcCol < 0 {
		return nil, fmt.Errorf("%w: header row not found", ErrMalformedEFOS)
	}
	return out, nil
}

// FlaggedRFCs returns the distinct RFCs whose status blocks deductions.
func FlaggedRFCs(entries []EFOSEntry) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Status.Flagged() {
			continue
		}
		if _, dup := seen[e.RFC]; dup {
			continue
		}
		seen[e.RFC] = struct{}{}
		out = append(out, e.RFC)
	}
	return out
}
