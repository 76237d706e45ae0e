// Package feed provides bar feed implementations backed by historical
// data files. Live exchange connectivity plugs in behind the same
// market.BarFeed interface.
package feed

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Brokenbass90/by-bot/internal/domain/market"
)

// CSVFeed serves bars from per-symbol CSV files laid out as
// <dir>/<SYMBOL>_<timeframe>.csv with columns
// open_time_ms,open,high,low,close,volume and no header requirement
// (a header row is detected and skipped).
type CSVFeed struct {
	dir string

	mu      sync.Mutex
	streams map[string]*csvStream
}

type csvStream struct {
	bars []market.Bar
	next int
}

// NewCSVFeed builds a feed over the given data directory. Files load
// lazily on first request per symbol/timeframe.
func NewCSVFeed(dir string) *CSVFeed {
	return &CSVFeed{dir: dir, streams: make(map[string]*csvStream)}
}

// Next implements market.BarFeed.
func (f *CSVFeed) Next(_ context.Context, symbol string, tf market.Timeframe) (market.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := symbol + "_" + string(tf)
	st, ok := f.streams[key]
	if !ok {
		bars, err := f.load(symbol, tf)
		if err != nil {
			return market.Bar{}, err
		}
		st = &csvStream{bars: bars}
		f.streams[key] = st
	}

	if st.next >= len(st.bars) {
		return market.Bar{}, market.ErrEndOfStream
	}
	bar := st.bars[st.next]
	st.next++
	return bar, nil
}

func (f *CSVFeed) load(symbol string, tf market.Timeframe) ([]market.Bar, error) {
	path := filepath.Join(f.dir, fmt.Sprintf("%s_%s.csv", symbol, tf))
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bar file: %w", err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = 6

	var bars []market.Bar
	var last time.Time
	line := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		line++
		if line == 1 {
			if _, convErr := strconv.ParseInt(rec[0], 10, 64); convErr != nil {
				continue // header row
			}
		}

		bar, err := parseBar(symbol, tf, rec)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		if err := bar.Validate(); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		// The file must be strictly ordered; the replay's determinism
		// guarantee starts at ingest.
		if !last.IsZero() && !bar.OpenTime.After(last) {
			return nil, fmt.Errorf("%s line %d: %w", path, line, market.ErrOutOfOrderBar)
		}
		last = bar.OpenTime
		bars = append(bars, bar)
	}

	log.Debug().
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Int("bars", len(bars)).
		Msg("Bar file loaded")
	return bars, nil
}

func parseBar(symbol string, tf market.Timeframe, rec []string) (market.Bar, error) {
	ms, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return market.Bar{}, fmt.Errorf("open time: %w", err)
	}
	fields := [5]decimal.Decimal{}
	for i, name := range []string{"open", "high", "low", "close", "volume"} {
		v, err := decimal.NewFromString(rec[i+1])
		if err != nil {
			return market.Bar{}, fmt.Errorf("%s: %w", name, err)
		}
		fields[i] = v
	}
	return market.Bar{
		Symbol:    symbol,
		Timeframe: tf,
		OpenTime:  time.UnixMilli(ms).UTC(),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}
