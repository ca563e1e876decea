package ingest

import (
	"encoding/csv"
	"regexp"
	"strings"
	"sync"

	"vitalwatch/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+\-Z]+)`)
	reKV        = regexp.MustCompile(`(?i)([a-zA-Z_]+)=([^\s]+)`)
)

var (
	idKeys         = []string{"id", "reading_id"}
	patientKeys    = []string{"patient_id", "patient", "patientid", "user_id"}
	metricKeys     = []string{"metric_type", "metric", "type", "kind"}
	timestampKeys  = []string{"measured_at", "timestamp", "time", "ts"}
	valueKeys      = []string{"value", "reading", "val"}
	systolicKeys   = []string{"systolic", "sys", "sbp"}
	diastolicKeys  = []string{"diastolic", "dia", "dbp"}
	unitKeys       = []string{"unit", "units"}
	recordedByKeys = []string{"recorded_by", "device", "source"}
)

// Parser turns one line of a transport payload into reading fields. JSON
// objects, CSV (with or without a header row) and key=value text are
// accepted.
type Parser struct {
	mu  sync.Mutex
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

func (p *Parser) ParseLine(line string) (*normalize.ReadingFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		if fields, err := ParseJSONBytes([]byte(trim)); err == nil {
			fields.Raw = line
			return fields, nil
		}
	}
	if strings.Contains(trim, ",") && !strings.Contains(trim, "=") {
		p.mu.Lock()
		fields, err := p.csv.Parse(trim)
		p.mu.Unlock()
		if err == nil {
			if fields == nil {
				return nil, nil
			}
			fields.Raw = line
			return fields, nil
		}
	}
	fields := parsePlain(trim)
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// parsePlain reads "2026-03-01 08:00:00 patient=p1 metric=bp value=150/95".
func parsePlain(line string) *normalize.ReadingFields {
	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		kv[strings.ToLower(match[1])] = match[2]
	}
	fields := fieldsFromMap(kv)
	if fields.Timestamp == "" {
		if m := reTimestamp.FindStringSubmatch(line); len(m) == 2 {
			fields.Timestamp = strings.TrimSpace(m[1])
		}
	}
	return fields
}

func fieldsFromMap(kv map[string]string) *normalize.ReadingFields {
	fields := &normalize.ReadingFields{Extras: map[string]string{}}
	for k, v := range kv {
		fields.Extras[k] = v
	}
	fields.ID = firstNonEmpty(kv, idKeys...)
	fields.PatientID = firstNonEmpty(kv, patientKeys...)
	fields.MetricType = firstNonEmpty(kv, metricKeys...)
	fields.Timestamp = firstNonEmpty(kv, timestampKeys...)
	fields.Value = firstNonEmpty(kv, valueKeys...)
	fields.Systolic = firstNonEmpty(kv, systolicKeys...)
	fields.Diastolic = firstNonEmpty(kv, diastolicKeys...)
	fields.Unit = firstNonEmpty(kv, unitKeys...)
	fields.RecordedBy = firstNonEmpty(kv, recordedByKeys...)
	return fields
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// CSVParser keeps the header of the stream it is reading. Without a header
// the columns are timestamp, patient_id, metric_type, value, unit.
type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

var positionalColumns = []string{"timestamp", "patient_id", "metric_type", "value", "unit"}

func (p *CSVParser) Parse(line string) (*normalize.ReadingFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	columns := p.header
	if columns == nil {
		columns = positionalColumns
	}
	kv := map[string]string{}
	for i, name := range columns {
		if i >= len(record) {
			break
		}
		kv[name] = strings.TrimSpace(record[i])
	}
	return fieldsFromMap(kv), nil
}

// Records parses a whole CSV document. The first row is used as the header
// when it names known columns.
func (p *CSVParser) Records(body string) ([]*normalize.ReadingFields, error) {
	r := csv.NewReader(strings.NewReader(body))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	out := make([]*normalize.ReadingFields, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}
		if p.header == nil && looksLikeHeader(row) {
			p.header = normalizeHeader(row)
			continue
		}
		columns := p.header
		if columns == nil {
			columns = positionalColumns
		}
		kv := map[string]string{}
		for i, name := range columns {
			if i < len(row) {
				kv[name] = strings.TrimSpace(row[i])
			}
		}
		out = append(out, fieldsFromMap(kv))
	}
	return out, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		v = strings.ToLower(strings.TrimSpace(v))
		for _, group := range [][]string{patientKeys, metricKeys, timestampKeys, valueKeys} {
			for _, k := range group {
				if v == k {
					return true
				}
			}
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
