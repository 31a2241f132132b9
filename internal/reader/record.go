package reader

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Record is one parsed line of the patient data file. The on-disk form
// is tab-separated: patient id, timestamp in hours, semicolon-joined
// property tags ("-" when empty), and comma-joined name:value pairs.
type Record struct {
	PatientID string
	Hours     float64
	Tags      []string
	Values    map[string]float64
}

func ParseRecord(line string) (Record, error) {
	parts := strings.Split(strings.TrimRight(line, "\n"), "\t")
	if len(parts) != 4 {
		return Record{}, fmt.Errorf("malformed record: want 4 fields, got %d", len(parts))
	}
	hours, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Record{}, fmt.Errorf("malformed timestamp %q: %w", parts[1], err)
	}
	rec := Record{
		PatientID: parts[0],
		Hours:     hours,
		Values:    make(map[string]float64),
	}
	if parts[2] != "-" && parts[2] != "" {
		rec.Tags = strings.Split(parts[2], ";")
	}
	if parts[3] != "" {
		for _, pair := range strings.Split(parts[3], ",") {
			name, raw, ok := strings.Cut(pair, ":")
			if !ok {
				return Record{}, fmt.Errorf("malformed value pair %q", pair)
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return Record{}, fmt.Errorf("malformed value %q: %w", pair, err)
			}
			rec.Values[name] = v
		}
	}
	return rec, nil
}

func (r Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// FormatRecord renders the canonical line form, without the trailing
// newline. Values are emitted in sorted name order so fixtures are
// deterministic.
func FormatRecord(r Record) string {
	tags := "-"
	if len(r.Tags) > 0 {
		tags = strings.Join(r.Tags, ";")
	}
	names := make([]string, 0, len(r.Values))
	for name := range r.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, fmt.Sprintf("%s:%s", name, strconv.FormatFloat(r.Values[name], 'g', -1, 64)))
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s", r.PatientID, strconv.FormatFloat(r.Hours, 'g', -1, 64), tags, strings.Join(pairs, ","))
}
