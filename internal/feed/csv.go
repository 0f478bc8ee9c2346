package feed

import (
	"os"
	"time"

	"github.com/gocarina/gocsv"

	simerrors "backsim/internal/errors"
	"backsim/internal/models"
)

// csvCandle maps one row of an OHLCV file. Column names are matched
// case-insensitively by gocsv.
type csvCandle struct {
	Date   string  `csv:"date"`
	Open   float64 `csv:"open"`
	High   float64 `csv:"high"`
	Low    float64 `csv:"low"`
	Close  float64 `csv:"close"`
	Volume int64   `csv:"volume"`
}

var csvTimeLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// LoadCSV reads an OHLCV file into a SliceFeed for symbol. Rows must carry
// date, open, high, low, close and volume columns; dates may be daily or
// timestamped.
func LoadCSV(path, symbol string) (*SliceFeed, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, simerrors.NewDataError("load", symbol, path, err)
	}
	defer file.Close()

	var rows []*csvCandle
	if err := gocsv.UnmarshalFile(file, &rows); err != nil {
		return nil, simerrors.NewDataError("parse", symbol, path, err)
	}
	if len(rows) == 0 {
		return nil, simerrors.NewDataError("parse", symbol, "no rows", simerrors.ErrDataNotFound)
	}

	bars := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		ts, err := parseCSVTime(row.Date)
		if err != nil {
			return nil, simerrors.NewDataError("parse", symbol, row.Date, err)
		}
		if row.High < row.Low || row.Open <= 0 || row.Close <= 0 {
			return nil, simerrors.Wrapf(simerrors.ErrDataNotFound, "malformed bar at row %d", i+1)
		}
		bars = append(bars, models.Candle{
			Timestamp: ts,
			Open:      row.Open,
			High:      row.High,
			Low:       row.Low,
			Close:     row.Close,
			Volume:    row.Volume,
		})
	}

	return NewSliceFeed(symbol, bars), nil
}

func parseCSVTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range csvTimeLayouts {
		ts, err := time.Parse(layout, s)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
