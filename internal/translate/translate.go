// Package translate turns raw feed entries into Records.
//
// Translation is pure apart from the injected clock. Only a missing id
// rejects an entry; every other field degrades to a safe default.
package translate

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/abelbrown/harvest/internal/model"
)

// ErrMissingID is returned when the link carries no numeric id.
var ErrMissingID = errors.New("missing id in link")

// DefaultPrivilegedMarker is the title token that flags a fee-waived item.
const DefaultPrivilegedMarker = "[FreeLeech]"

var (
	idRe       = regexp.MustCompile(`id=(\d+)`)
	sizeTagRe  = regexp.MustCompile(`(?i)Size:\s*(\d+(?:\.\d+)?)\s*(KB|MB|GB|TB)\b`)
	sizeBareRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(KB|MB|GB|TB)\b`)
	categoryRe = regexp.MustCompile(`Category:\s*([^\n<]+)`)
	seedersRe  = regexp.MustCompile(`(?i)Seeders:\s*(\d+)`)
)

var unitMultiplier = map[string]float64{
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
}

// Translator converts feed entries. The zero value is not usable; call New.
type Translator struct {
	marker string
	now    func() time.Time
}

// Option configures a Translator.
type Option func(*Translator)

// WithClock overrides the wall clock used for AddedAt.
func WithClock(now func() time.Time) Option {
	return func(t *Translator) { t.now = now }
}

// WithMarker overrides the privileged marker token.
func WithMarker(marker string) Option {
	return func(t *Translator) {
		if marker != "" {
			t.marker = marker
		}
	}
}

// New returns a Translator using DefaultPrivilegedMarker and time.Now.
func New(opts ...Option) *Translator {
	t := &Translator{marker: DefaultPrivilegedMarker, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Marker returns the privileged marker token in use.
func (t *Translator) Marker() string {
	return t.marker
}

// Translate builds a Pending Record from entry, or returns ErrMissingID.
func (t *Translator) Translate(entry model.RawEntry) (model.Record, error) {
	id := ExtractID(entry.Link)
	if id == "" {
		return model.Record{}, ErrMissingID
	}

	return model.Record{
		ID:           id,
		Title:        strings.TrimSpace(entry.Title),
		SourceLink:   entry.Link,
		SizeBytes:    ExtractSize(entry.Description),
		IsPrivileged: HasMarker(entry.Title, t.marker),
		SeederCount:  ExtractSeeders(entry.Description),
		Category:     ExtractCategory(entry.Description),
		AddedAt:      t.now(),
		Status:       model.StatusPending,
	}, nil
}

// ExtractID returns the first numeric id= token in link, or "".
func ExtractID(link string) string {
	m := idRe.FindStringSubmatch(link)
	if m == nil {
		return ""
	}
	return m[1]
}

// ExtractSize parses the first "<number> <unit>" in description into bytes.
// A "Size:" labelled value wins over any other match. Returns 0 when no
// size is present.
func ExtractSize(description string) int64 {
	m := sizeTagRe.FindStringSubmatch(description)
	if m == nil {
		m = sizeBareRe.FindStringSubmatch(description)
	}
	if m == nil {
		return 0
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	bytes := math.Floor(value * unitMultiplier[strings.ToUpper(m[2])])
	if bytes >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(bytes)
}

// ExtractCategory returns the "Category:" value up to the end of line.
func ExtractCategory(description string) string {
	m := categoryRe.FindStringSubmatch(description)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// ExtractSeeders returns the "Seeders:" count, or 0.
func ExtractSeeders(description string) int {
	m := seedersRe.FindStringSubmatch(description)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// HasMarker reports whether title contains marker, ignoring case.
func HasMarker(title, marker string) bool {
	if marker == "" {
		return false
	}
	return strings.Contains(strings.ToUpper(title), strings.ToUpper(marker))
}
