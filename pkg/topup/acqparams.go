package topup

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"mritopup/internal/models"
	"mritopup/pkg/logger"
)

// AcqParamsFile is overwritten for every pair
const AcqParamsFile = "acq_params.txt"

// AcquisitionTable is the topup --datain table. Row i (1-based) describes
// pair member i.
type AcquisitionTable struct {
	Path     string
	Rows     []models.AcquisitionRow
	Supplied bool
}

// Matrix returns the table as an n x 4 matrix: vector then readout time
func (t *AcquisitionTable) Matrix() *mat.Dense {
	if len(t.Rows) == 0 {
		return nil
	}
	m := mat.NewDense(len(t.Rows), 4, nil)
	for i, r := range t.Rows {
		m.SetRow(i, []float64{r.Vector[0], r.Vector[1], r.Vector[2], r.ReadoutTime})
	}
	return m
}

// Opposed reports whether the table has two rows with opposing
// phase-encode vectors
func (t *AcquisitionTable) Opposed() bool {
	m := t.Matrix()
	if m == nil {
		return false
	}
	if r, _ := m.Dims(); r != 2 {
		return false
	}
	a := m.RawRowView(0)[:3]
	b := m.RawRowView(1)[:3]
	return mat.Dot(mat.NewVecDense(3, a), mat.NewVecDense(3, b)) < 0
}

// Format renders the table, one "<x> <y> <z> <readout>" line per row
func (t *AcquisitionTable) Format() string {
	lines := make([]string, len(t.Rows))
	for i, r := range t.Rows {
		lines[i] = fmt.Sprintf("%s %s %s %s",
			formatFloat(r.Vector[0]), formatFloat(r.Vector[1]), formatFloat(r.Vector[2]),
			formatFloat(r.ReadoutTime))
	}
	return strings.Join(lines, "\n")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// DetectPhaseEncoding looks for dir-ap or dir-pa in the file name, ignoring case
func DetectPhaseEncoding(path string) (models.PhaseEncoding, bool) {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.Contains(name, "dir-ap"):
		return models.AP, true
	case strings.Contains(name, "dir-pa"):
		return models.PA, true
	}
	return "", false
}

// BuildAcquisitionParams writes the acquisition table for a pair into
// topupDir. A supplied table is returned as is and nothing is written.
// Members with an unrecognised direction get no row; this is reported as a
// diagnostic.
func BuildAcquisitionParams(pair models.FieldmapPair, topupDir, supplied string) (*AcquisitionTable, []Diagnostic, error) {
	if supplied != "" {
		rows, err := ReadAcquisitionParams(supplied)
		if err != nil {
			return nil, nil, err
		}
		logger.WithField("path", supplied).Infof("Using supplied acquisition parameters:\n%s",
			(&AcquisitionTable{Rows: rows}).Format())
		return &AcquisitionTable{Path: supplied, Rows: rows, Supplied: true}, nil, nil
	}

	table := &AcquisitionTable{Path: filepath.Join(topupDir, AcqParamsFile)}
	var diags []Diagnostic

	for _, image := range pair.Members() {
		readout, err := ReadReadoutTime(image)
		if err != nil {
			return nil, nil, err
		}

		pe, ok := DetectPhaseEncoding(string(image))
		if !ok {
			diags = append(diags, warning(KindDirectionUnrecognized, string(image),
				"no dir-AP or dir-PA label, no acquisition row written"))
			continue
		}

		table.Rows = append(table.Rows, models.AcquisitionRow{Vector: pe.Vector(), ReadoutTime: readout})
	}

	if len(table.Rows) == 2 && !table.Opposed() {
		diags = append(diags, warning(KindSameDirectionPair, pair.Template,
			"pair members share a phase-encoding direction"))
	}

	if err := os.WriteFile(table.Path, []byte(table.Format()), 0644); err != nil {
		return nil, nil, fmt.Errorf("writing acquisition parameters: %w", err)
	}

	return table, diags, nil
}

// ReadAcquisitionParams parses a topup --datain file
func ReadAcquisitionParams(path string) ([]models.AcquisitionRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DiscoveryError{Path: path, Err: err}
	}
	defer f.Close()

	var rows []models.AcquisitionRow
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 4 {
			return nil, fmt.Errorf("%s:%d: expected 4 values, got %d", path, line, len(fields))
		}

		var vals [4]float64
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			vals[i] = v
		}
		rows = append(rows, models.AcquisitionRow{
			Vector:      [3]float64{vals[0], vals[1], vals[2]},
			ReadoutTime: vals[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return rows, nil
}

// ReadReadoutTime reads TotalReadoutTime from the image's JSON sidecar
func ReadReadoutTime(image models.ImagePath) (float64, error) {
	raw, err := readMetadataField(image.Sidecar(), "TotalReadoutTime")
	if err != nil {
		return 0, err
	}

	var readout float64
	if err := json.Unmarshal(raw, &readout); err != nil {
		return 0, &DiscoveryError{Path: image.Sidecar(), Key: "TotalReadoutTime", Err: err}
	}
	return readout, nil
}

// readMetadataField returns the raw JSON value of key in the record at path
func readMetadataField(path, key string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &DiscoveryError{Path: path, Key: key, Err: ErrMissingSidecar}
	}
	if err != nil {
		return nil, &DiscoveryError{Path: path, Key: key, Err: err}
	}

	var record map[string]json.RawMessage
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, &DiscoveryError{Path: path, Key: key, Err: err}
	}

	value, ok := record[key]
	if !ok {
		return nil, &DiscoveryError{Path: path, Key: key, Err: ErrMissingKey}
	}
	return value, nil
}
