package metrics

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/evidara/trialtrace/core/errors"
	trial "github.com/evidara/trialtrace/core/schema/v1/trial"
)

// csvHeader matches the DerivedMetrics JSON field names; the CSV is the
// analyst-facing view of the same record.
var csvHeader = []string{
	"sessionId",
	"calibration",
	"initialBirads",
	"initialConfidence",
	"aiBirads",
	"finalBirads",
	"finalConfidence",
	"changeOccurred",
	"changeDirection",
	"aiConsistentChange",
	"aiInconsistentChange",
	"addaDenominator",
	"adda",
	"preExposureSeconds",
	"postExposureSeconds",
}

// EncodeCSV renders a header row plus one data row per record. Nil
// tri-state and duration fields render as empty cells, never as false
// or zero.
func EncodeCSV(records []trial.DerivedMetrics) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(csvHeader); err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternalFailure, "metrics_csv", "csv header encode failed")
	}
	for _, record := range records {
		row := []string{
			record.SessionID,
			strconv.FormatBool(record.Calibration),
			intCell(record.InitialBirads),
			intCell(record.InitialConfidence),
			intCell(record.AIBirads),
			intCell(record.FinalBirads),
			intCell(record.FinalConfidence),
			strconv.FormatBool(record.ChangeOccurred),
			record.ChangeDirection,
			strconv.FormatBool(record.AIConsistentChange),
			strconv.FormatBool(record.AIInconsistentChange),
			strconv.FormatBool(record.ADDADenominator),
			boolCell(record.ADDA),
			floatCell(record.PreExposureSeconds),
			floatCell(record.PostExposureSeconds),
		}
		if err := writer.Write(row); err != nil {
			return nil, errors.Wrap(err, errors.CategoryInternalFailure, "metrics_csv", "csv row encode failed")
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternalFailure, "metrics_csv", "csv flush failed")
	}
	return buf.Bytes(), nil
}

func intCell(value *int) string {
	if value == nil {
		return ""
	}
	return strconv.Itoa(*value)
}

func boolCell(value *bool) string {
	if value == nil {
		return ""
	}
	return strconv.FormatBool(*value)
}

func floatCell(value *float64) string {
	if value == nil {
		return ""
	}
	return fmt.Sprintf("%.3f", *value)
}
