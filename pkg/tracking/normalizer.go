// Package tracking converts particle-tracking exports into a canonical
// TrackingTable of (frame, track, x, y) observations.
//
// Two layouts are accepted. The wide layout has a Frame column followed by
// X<n>, Y<n>, Flag<n> triples per track slot; the exporter splits large track
// sets into blocks separated by rows whose first cell starts with a marker
// such as "Tracks 76-150", and restarts slot numbering in every block. The
// long layout already has one observation per row with Frame, Track, X, Y and
// an optional Flag column.
package tracking

import (
	"encoding/csv"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"organelle3d/internal/errdefs"
	"organelle3d/internal/models"
)

const (
	// DefaultBlockSize is the number of track slots per exported block.
	DefaultBlockSize = 75

	// DefaultSeparatorPrefix starts the rows that open a new block.
	DefaultSeparatorPrefix = "Tracks "
)

// Normalizer parses tracking exports. The zero value is not usable; call
// NewNormalizer.
type Normalizer struct {
	BlockSize       int
	SeparatorPrefix string
}

// NewNormalizer returns a Normalizer with the exporter defaults.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		BlockSize:       DefaultBlockSize,
		SeparatorPrefix: DefaultSeparatorPrefix,
	}
}

type row struct {
	line   int
	fields []string
}

var slotColumn = regexp.MustCompile(`^(?i)(x|y|flag)\s*(\d+)$`)

// Parse detects the layout from the header and dispatches to the wide or long
// parser.
func (n *Normalizer) Parse(r io.Reader) (*models.TrackingTable, error) {
	rows, err := readRows(r)
	if err != nil {
		return nil, err
	}
	if isLongHeader(rows[0].fields) {
		return n.parseLong(rows)
	}
	return n.parseWide(rows)
}

// ParseWide parses a block-segmented wide export.
func (n *Normalizer) ParseWide(r io.Reader) (*models.TrackingTable, error) {
	rows, err := readRows(r)
	if err != nil {
		return nil, err
	}
	return n.parseWide(rows)
}

// ParseLong parses an already normalized long table.
func (n *Normalizer) ParseLong(r io.Reader) (*models.TrackingTable, error) {
	rows, err := readRows(r)
	if err != nil {
		return nil, err
	}
	return n.parseLong(rows)
}

func readRows(r io.Reader) ([]row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var rows []row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, errdefs.NewFormat(pe.Line, "unreadable csv: %v", pe.Err)
			}
			return nil, errors.Wrap(err, "reading tracking export")
		}
		line, _ := cr.FieldPos(0)
		rows = append(rows, row{line: line, fields: rec})
	}
	if len(rows) == 0 {
		return nil, errdefs.NewFormat(0, "empty tracking export")
	}
	// Strip a UTF-8 byte order mark some spreadsheet tools prepend.
	rows[0].fields[0] = strings.TrimPrefix(rows[0].fields[0], "\ufeff")
	return rows, nil
}

func isLongHeader(header []string) bool {
	for _, h := range header {
		if normalizeName(h) == "track" {
			return true
		}
	}
	return false
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

type slot struct {
	x, y, flag int
}

func (n *Normalizer) parseWide(rows []row) (*models.TrackingTable, error) {
	if n.BlockSize <= 0 {
		return nil, errors.Errorf("block size must be positive, got %d", n.BlockSize)
	}
	header := rows[0]
	if len(header.fields) == 0 || normalizeName(header.fields[0]) != "frame" {
		return nil, errdefs.NewFormat(header.line, "wide header must start with Frame")
	}

	slots := make(map[int]*slot)
	for col := 1; col < len(header.fields); col++ {
		name := strings.TrimSpace(header.fields[col])
		if name == "" {
			continue
		}
		m := slotColumn.FindStringSubmatch(name)
		if m == nil {
			return nil, errdefs.NewFormat(header.line, "unexpected column %q", name)
		}
		idx, _ := strconv.Atoi(m[2])
		if idx <= 0 {
			return nil, errdefs.NewFormat(header.line, "track slot must be positive in column %q", name)
		}
		s, ok := slots[idx]
		if !ok {
			s = &slot{x: -1, y: -1, flag: -1}
			slots[idx] = s
		}
		switch strings.ToLower(m[1]) {
		case "x":
			s.x = col
		case "y":
			s.y = col
		case "flag":
			s.flag = col
		}
	}
	if len(slots) == 0 {
		return nil, errdefs.NewFormat(header.line, "wide header has no track columns")
	}
	for idx, s := range slots {
		if s.x < 0 || s.y < 0 {
			return nil, errdefs.NewFormat(header.line, "track slot %d lacks an X or Y column", idx)
		}
	}

	table := models.NewTrackingTable()
	block := 0
	blockRows := 0
	dataRows := 0
	for _, r := range rows[1:] {
		first := ""
		if len(r.fields) > 0 {
			first = strings.TrimSpace(r.fields[0])
		}
		if n.SeparatorPrefix != "" && strings.HasPrefix(first, strings.TrimSpace(n.SeparatorPrefix)) {
			// Separators directly following another separator (or the header)
			// do not open an empty block.
			if blockRows > 0 {
				block++
				blockRows = 0
			}
			continue
		}
		if first == "" || strings.EqualFold(first, "frame") {
			continue
		}
		frame, err := parseFrame(first)
		if err != nil {
			return nil, errdefs.NewFormat(r.line, "%v", err)
		}
		blockRows++
		dataRows++

		offset := block * n.BlockSize
		for idx, s := range slots {
			xs, ys := cell(r.fields, s.x), cell(r.fields, s.y)
			if xs == "" || ys == "" {
				continue
			}
			x, err := strconv.ParseFloat(xs, 64)
			if err != nil {
				return nil, errdefs.NewFormat(r.line, "bad X%d value %q", idx, xs)
			}
			y, err := strconv.ParseFloat(ys, 64)
			if err != nil {
				return nil, errdefs.NewFormat(r.line, "bad Y%d value %q", idx, ys)
			}
			obs := models.TrackObservation{
				Frame:   frame,
				TrackID: offset + idx,
				X:       x,
				Y:       y,
				Flag:    cell(r.fields, s.flag),
			}
			if err := table.Add(obs); err != nil {
				return nil, atLine(err, r.line)
			}
		}
	}
	if dataRows == 0 {
		return nil, errdefs.NewFormat(0, "wide export has no data rows")
	}
	return table, nil
}

func (n *Normalizer) parseLong(rows []row) (*models.TrackingTable, error) {
	header := rows[0]
	cols := map[string]int{"frame": -1, "track": -1, "x": -1, "y": -1, "flag": -1}
	for i, h := range header.fields {
		name := normalizeName(h)
		if name == "track_id" || name == "trackid" {
			name = "track"
		}
		if _, ok := cols[name]; ok && cols[name] < 0 {
			cols[name] = i
		}
	}
	for _, req := range []string{"frame", "track", "x", "y"} {
		if cols[req] < 0 {
			return nil, errdefs.NewFormat(header.line, "long header lacks a %s column", req)
		}
	}

	table := models.NewTrackingTable()
	for _, r := range rows[1:] {
		fs, ts := cell(r.fields, cols["frame"]), cell(r.fields, cols["track"])
		xs, ys := cell(r.fields, cols["x"]), cell(r.fields, cols["y"])
		if fs == "" || ts == "" || xs == "" || ys == "" {
			continue
		}
		frame, err := parseFrame(fs)
		if err != nil {
			return nil, errdefs.NewFormat(r.line, "%v", err)
		}
		track, err := parseInteger(ts)
		if err != nil {
			return nil, errdefs.NewFormat(r.line, "bad track %q", ts)
		}
		x, err := strconv.ParseFloat(xs, 64)
		if err != nil {
			return nil, errdefs.NewFormat(r.line, "bad X value %q", xs)
		}
		y, err := strconv.ParseFloat(ys, 64)
		if err != nil {
			return nil, errdefs.NewFormat(r.line, "bad Y value %q", ys)
		}
		obs := models.TrackObservation{Frame: frame, TrackID: track, X: x, Y: y, Flag: cell(r.fields, cols["flag"])}
		if err := table.Add(obs); err != nil {
			return nil, atLine(err, r.line)
		}
	}
	if table.Len() == 0 {
		return nil, errdefs.NewFormat(0, "long table has no data rows")
	}
	return table, nil
}

func cell(fields []string, col int) string {
	if col < 0 || col >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[col])
}

func parseFrame(s string) (int, error) {
	f, err := parseInteger(s)
	if err != nil {
		return 0, errors.Errorf("bad frame %q", s)
	}
	if f < 0 {
		return 0, errors.Errorf("negative frame %d", f)
	}
	return f, nil
}

// parseInteger accepts "3" and "3.0" but rejects fractional values.
func parseInteger(s string) (int, error) {
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, errors.Errorf("not an integer: %q", s)
	}
	return int(f), nil
}

func atLine(err error, line int) error {
	var fe *errdefs.FormatError
	if errors.As(err, &fe) && fe.Line == 0 {
		fe.Line = line
	}
	return err
}

// WriteLong writes the table as a long CSV with Frame, Track, X, Y, Flag
// columns, ordered by frame and track.
func WriteLong(w io.Writer, table *models.TrackingTable) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Frame", "Track", "X", "Y", "Flag"}); err != nil {
		return errors.Wrap(err, "writing long header")
	}
	for _, o := range table.Observations() {
		rec := []string{
			strconv.Itoa(o.Frame),
			strconv.Itoa(o.TrackID),
			strconv.FormatFloat(o.X, 'f', -1, 64),
			strconv.FormatFloat(o.Y, 'f', -1, 64),
			o.Flag,
		}
		if err := cw.Write(rec); err != nil {
			return errors.Wrap(err, "writing long row")
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flushing long table")
}
