package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// ErrNoPrices is returned for a CSV without a usable close column.
var ErrNoPrices = errors.New("backtest: no close prices")

// LoadPricesFile reads close prices from a CSV file.
func LoadPricesFile(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open prices: %w", err)
	}
	defer f.Close()
	return LoadPrices(f)
}

// LoadPrices reads the "close" column of a CSV with a header row. A single
// column file is read as closes whatever its header says.
func LoadPrices(r io.Reader) ([]float64, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoPrices
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	col := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), "close") {
			col = i
			break
		}
	}
	if col < 0 && len(header) == 1 {
		col = 0
	}
	if col < 0 {
		return nil, fmt.Errorf("%w: header %v has no close column", ErrNoPrices, header)
	}

	var prices []float64
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[col]), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("line %d: bad close %q", line, rec[col])
		}
		prices = append(prices, v)
	}
	if len(prices) == 0 {
		return nil, ErrNoPrices
	}
	return prices, nil
}
