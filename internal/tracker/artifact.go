package tracker

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/signalnine/orruns/internal/result"
	"go.uber.org/zap"
)

// ArtifactType is the caller's declared kind of an artifact payload.
type ArtifactType string

const (
	TypeAuto   ArtifactType = ""
	TypeFigure ArtifactType = "figure"
	TypeData   ArtifactType = "data"
	TypeText   ArtifactType = "text"
)

// Renderer is implemented by figures that can encode themselves as PNG.
type Renderer interface {
	Render(w io.Writer) error
}

// Table is a tabular payload written as CSV with a header row.
type Table struct {
	Columns []string
	Rows    [][]any
}

// NewTable builds a table from equally long named columns, in the order
// given.
func NewTable(columns []string, values ...[]float64) (*Table, error) {
	if len(columns) != len(values) {
		return nil, fmt.Errorf("table: %d column names for %d columns", len(columns), len(values))
	}
	n := 0
	if len(values) > 0 {
		n = len(values[0])
	}
	for i, col := range values {
		if len(col) != n {
			return nil, fmt.Errorf("table: column %q has %d rows, want %d", columns[i], len(col), n)
		}
	}
	t := &Table{Columns: columns}
	for r := 0; r < n; r++ {
		row := make([]any, len(values))
		for c := range values {
			row[c] = values[c][r]
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// LogArtifact encodes payload and stores it under the run's artifacts
// directory. With TypeAuto the kind is inferred from the payload and the
// file extension. It returns the path written.
//
// Accepted payloads: Renderer, image.Image and []byte for figures; *Table,
// [][]string, []float64, [][]float64, []int and map[string][]float64 for CSV
// data; any JSON encodable value for .json data; string, []byte and
// fmt.Stringer for text.
func (t *Tracker) LogArtifact(name string, payload any, typ ArtifactType) (string, error) {
	if err := validateArtifactName(name); err != nil {
		return "", fmt.Errorf("log artifact: %w", err)
	}
	if typ == TypeAuto {
		typ = inferType(name, payload)
	}

	var (
		data []byte
		kind result.ArtifactKind
		err  error
	)
	switch typ {
	case TypeFigure:
		kind = result.KindFigure
		data, err = encodeFigure(payload)
	case TypeData:
		kind = result.KindData
		data, err = encodeData(name, payload)
	case TypeText:
		kind = result.KindOther
		data, err = encodeText(payload)
	default:
		return "", fmt.Errorf("log artifact %s: unknown type %q", name, typ)
	}
	if err != nil {
		return "", fmt.Errorf("log artifact %s: %w", name, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return "", ErrFinished
	}
	path := filepath.Join(result.ArtifactDir(t.dir, kind), name)
	if err := result.WriteFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("log artifact %s: %w", name, err)
	}
	t.logger.Debug("artifact logged", zap.String("name", name), zap.String("kind", string(kind)), zap.Int("bytes", len(data)))
	return path, nil
}

// LogText stores text under artifacts/others.
func (t *Tracker) LogText(name, text string) (string, error) {
	return t.LogArtifact(name, text, TypeText)
}

func validateArtifactName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	if filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("artifact name %q must not contain directories", name)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("artifact name %q must not be hidden", name)
	}
	return nil
}

func inferType(name string, payload any) ArtifactType {
	ext := strings.ToLower(filepath.Ext(name))
	switch payload.(type) {
	case Renderer, image.Image:
		return TypeFigure
	case []byte:
		switch ext {
		case ".png", ".jpg", ".jpeg", ".gif", ".svg":
			return TypeFigure
		case ".csv", ".json", ".tsv":
			return TypeData
		}
		return TypeText
	case string, fmt.Stringer:
		if ext == ".csv" || ext == ".json" {
			return TypeData
		}
		return TypeText
	}
	return TypeData
}

func encodeFigure(payload any) ([]byte, error) {
	var buf bytes.Buffer
	switch p := payload.(type) {
	case Renderer:
		if err := p.Render(&buf); err != nil {
			return nil, err
		}
	case image.Image:
		if err := png.Encode(&buf, p); err != nil {
			return nil, fmt.Errorf("encoding png: %w", err)
		}
	case []byte:
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported figure payload %T", payload)
	}
	return buf.Bytes(), nil
}

func encodeData(name string, payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	}
	if strings.EqualFold(filepath.Ext(name), ".json") {
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding json: %w", err)
		}
		return data, nil
	}
	records, err := toRecords(payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(records); err != nil {
		return nil, fmt.Errorf("encoding csv: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeText(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	case fmt.Stringer:
		return []byte(p.String()), nil
	}
	return nil, fmt.Errorf("unsupported text payload %T", payload)
}

func toRecords(payload any) ([][]string, error) {
	switch p := payload.(type) {
	case *Table:
		return tableRecords(p), nil
	case Table:
		return tableRecords(&p), nil
	case [][]string:
		return p, nil
	case []float64:
		out := make([][]string, len(p))
		for i, v := range p {
			out[i] = []string{formatFloat(v)}
		}
		return out, nil
	case []int:
		out := make([][]string, len(p))
		for i, v := range p {
			out[i] = []string{strconv.Itoa(v)}
		}
		return out, nil
	case [][]float64:
		out := make([][]string, len(p))
		for i, row := range p {
			rec := make([]string, len(row))
			for j, v := range row {
				rec[j] = formatFloat(v)
			}
			out[i] = rec
		}
		return out, nil
	case map[string][]float64:
		cols := make([]string, 0, len(p))
		for k := range p {
			cols = append(cols, k)
		}
		sort.Strings(cols)
		values := make([][]float64, len(cols))
		for i, c := range cols {
			values[i] = p[c]
		}
		tbl, err := NewTable(cols, values...)
		if err != nil {
			return nil, err
		}
		return tableRecords(tbl), nil
	case nil:
		return nil, errors.New("nil data payload")
	}
	return nil, fmt.Errorf("unsupported data payload %T for csv (use a .json name for structured values)", payload)
}

func tableRecords(t *Table) [][]string {
	out := make([][]string, 0, len(t.Rows)+1)
	if len(t.Columns) > 0 {
		out = append(out, t.Columns)
	}
	for _, row := range t.Rows {
		rec := make([]string, len(row))
		for i, v := range row {
			switch x := v.(type) {
			case float64:
				rec[i] = formatFloat(x)
			case string:
				rec[i] = x
			default:
				rec[i] = fmt.Sprint(x)
			}
		}
		out = append(out, rec)
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
