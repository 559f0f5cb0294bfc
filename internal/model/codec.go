package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// legacyTimeLayout is the naive ISO timestamp written by the original
// handler (no zone, microseconds optional). Read as local time.
const legacyTimeLayout = "2006-01-02T15:04:05.999999999"

// recordJSON is the on-disk shape of a Record. Key names are kept
// compatible with existing torrents.json state files.
type recordJSON struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Link          string  `json:"link"`
	Size          int64   `json:"size"`
	IsFreeleech   bool    `json:"is_freeleech"`
	AddedDate     string  `json:"added_date"`
	CompletedDate *string `json:"completed_date"`
	Status        Status  `json:"status"`
	Category      *string `json:"category"`
	Seeders       int     `json:"seeders"`
}

// MarshalJSON implements json.Marshaler.
func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		ID:          r.ID,
		Title:       r.Title,
		Link:        r.SourceLink,
		Size:        r.SizeBytes,
		IsFreeleech: r.IsPrivileged,
		AddedDate:   FormatTime(r.AddedAt),
		Status:      r.Status,
		Seeders:     r.SeederCount,
	}
	if r.HasCompleted() {
		s := FormatTime(r.CompletedAt)
		out.CompletedDate = &s
	}
	if r.Category != "" {
		c := r.Category
		out.Category = &c
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Record) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	status, err := ParseStatus(string(in.Status))
	if err != nil {
		return fmt.Errorf("record %s: %w", in.ID, err)
	}
	added, err := ParseTime(in.AddedDate)
	if err != nil {
		return fmt.Errorf("record %s: added_date: %w", in.ID, err)
	}

	var completed time.Time
	if in.CompletedDate != nil && *in.CompletedDate != "" {
		completed, err = ParseTime(*in.CompletedDate)
		if err != nil {
			return fmt.Errorf("record %s: completed_date: %w", in.ID, err)
		}
	}

	category := ""
	if in.Category != nil {
		category = *in.Category
	}

	*r = Record{
		ID:           in.ID,
		Title:        in.Title,
		SourceLink:   in.Link,
		SizeBytes:    in.Size,
		IsPrivileged: in.IsFreeleech,
		SeederCount:  in.Seeders,
		Category:     category,
		AddedAt:      added,
		CompletedAt:  completed,
		Status:       status,
	}
	return nil
}

// FormatTime renders a timestamp for the state file.
func FormatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// ParseTime reads a state-file timestamp. RFC 3339 is preferred; the
// legacy naive format is accepted and interpreted in the local zone.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(legacyTimeLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
