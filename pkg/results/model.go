package results

import (
	"encoding/csv"
	"os"
	"strconv"

	pkgerrors "github.com/pkg/errors"
)

// ModelHeader is the schema of an exported battery model.
var ModelHeader = []string{"soc_pct", "voc_v", "esr_ohm"}

// ModelPoint is one row of a battery model: state of charge, open-circuit
// voltage, and equivalent series resistance.
type ModelPoint struct {
	SOC float64 `json:"soc"`
	Voc float64 `json:"voc"`
	ESR float64 `json:"esr"`
}

// AppendModelPoint writes one model row.
func AppendModelPoint(w *Writer, p ModelPoint) error {
	return w.Append(
		strconv.FormatFloat(p.SOC, 'f', 2, 64),
		strconv.FormatFloat(p.Voc, 'f', 6, 64),
		strconv.FormatFloat(p.ESR, 'f', 6, 64),
	)
}

// ReadModelCSV re-imports an exported battery model.
func ReadModelCSV(path string) ([]ModelPoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "open model %s", path)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "read model %s", path)
	}
	if len(rows) == 0 {
		return nil, pkgerrors.Errorf("model %s is empty", path)
	}

	var points []ModelPoint
	for i, row := range rows {
		if i == 0 && row[0] == ModelHeader[0] {
			continue
		}
		if len(row) < 3 {
			return nil, pkgerrors.Errorf("model %s row %d: want 3 fields, got %d", path, i, len(row))
		}
		soc, err1 := strconv.ParseFloat(row[0], 64)
		voc, err2 := strconv.ParseFloat(row[1], 64)
		esr, err3 := strconv.ParseFloat(row[2], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, pkgerrors.Errorf("model %s row %d: unparseable fields", path, i)
		}
		points = append(points, ModelPoint{SOC: soc, Voc: voc, ESR: esr})
	}
	return points, nil
}
