// Package catalog loads the star catalog and indexes it for angular
// range queries. The catalog is built once during BOOT and is
// read-only afterwards, so it is shared without locking.
package catalog

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/signalsfoundry/star-tracker/model"
)

// LoadError wraps any failure while reading or indexing the catalog.
// Catalog load failure is fatal: the tracker cannot leave BOOT
// without a catalog.
type LoadError struct {
	Line int // 1-based source line, 0 when not line-specific
	Err  error
}

func (e *LoadError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("catalog load failed at line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("catalog load failed: %v", e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Options controls catalog filtering and indexing.
type Options struct {
	// MagnitudeLimit drops entries fainter than this visual
	// magnitude (larger magnitude = fainter).
	MagnitudeLimit float64

	// MinSeparation drops every member of a pair closer together
	// than this angle (radians). Near-doubles cannot be told apart
	// by the matcher, so keeping them only produces ambiguous votes.
	MinSeparation float64

	// MaxPairAngle bounds the pair index: only pairs separated by
	// at most this angle are indexed. Two stars further apart than
	// the sensor's field-of-view diagonal can never appear in the
	// same image.
	MaxPairAngle float64
}

// Catalog is the filtered star list plus the pair index. Immutable
// after Load returns.
type Catalog struct {
	entries []model.CatalogEntry
	pairs   pairIndex
}

// Load reads a catalog table from r, applies the filters in opts, and
// builds the pair index. Each non-comment line is
// "id ra_deg dec_deg magnitude", whitespace separated. Loading a full
// catalog is a minutes-scale operation; it must finish before the
// tracker leaves BOOT.
func Load(r io.Reader, opts Options) (*Catalog, error) {
	if opts.MaxPairAngle <= 0 {
		return nil, &LoadError{Err: fmt.Errorf("max pair angle must be positive, got %v", opts.MaxPairAngle)}
	}

	var raw []model.CatalogEntry
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		entry, err := parseEntry(text)
		if err != nil {
			return nil, &LoadError{Line: line, Err: err}
		}
		if entry.Magnitude > opts.MagnitudeLimit {
			continue
		}
		raw = append(raw, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, &LoadError{Err: err}
	}
	if len(raw) == 0 {
		return nil, &LoadError{Err: fmt.Errorf("no entries brighter than magnitude %.1f", opts.MagnitudeLimit)}
	}

	entries := dropCloseDoubles(raw, opts.MinSeparation)
	if len(entries) < 3 {
		return nil, &LoadError{Err: fmt.Errorf("only %d entries survive filtering, need at least 3", len(entries))}
	}

	return &Catalog{
		entries: entries,
		pairs:   buildPairIndex(entries, opts.MaxPairAngle),
	}, nil
}

func parseEntry(text string) (model.CatalogEntry, error) {
	fields := strings.Fields(text)
	if len(fields) != 4 {
		return model.CatalogEntry{}, fmt.Errorf("want 4 fields (id ra dec mag), got %d", len(fields))
	}
	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return model.CatalogEntry{}, fmt.Errorf("bad id %q: %w", fields[0], err)
	}
	raDeg, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return model.CatalogEntry{}, fmt.Errorf("bad right ascension %q: %w", fields[1], err)
	}
	decDeg, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return model.CatalogEntry{}, fmt.Errorf("bad declination %q: %w", fields[2], err)
	}
	mag, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return model.CatalogEntry{}, fmt.Errorf("bad magnitude %q: %w", fields[3], err)
	}
	if decDeg < -90 || decDeg > 90 {
		return model.CatalogEntry{}, fmt.Errorf("declination %v out of range", decDeg)
	}

	ra := raDeg * math.Pi / 180
	dec := decDeg * math.Pi / 180
	return model.CatalogEntry{
		ID:        id,
		RA:        ra,
		Dec:       dec,
		Magnitude: mag,
		Unit:      model.VecFromRADec(ra, dec),
	}, nil
}

// dropCloseDoubles removes every star that sits within minSep of
// another star. Both members go: neither can be identified reliably.
func dropCloseDoubles(entries []model.CatalogEntry, minSep float64) []model.CatalogEntry {
	if minSep <= 0 {
		return entries
	}
	cosMin := math.Cos(minSep)
	doubled := make([]bool, len(entries))
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[i].Unit.Dot(entries[j].Unit) > cosMin {
				doubled[i] = true
				doubled[j] = true
			}
		}
	}
	kept := make([]model.CatalogEntry, 0, len(entries))
	for i, e := range entries {
		if !doubled[i] {
			kept = append(kept, e)
		}
	}
	return kept
}

// Len returns the number of entries surviving the load filters.
func (c *Catalog) Len() int { return len(c.entries) }

// Entry returns the entry at index i.
func (c *Catalog) Entry(i int) model.CatalogEntry { return c.entries[i] }

// Angle returns the angular separation (radians) between catalog
// entries i and j.
func (c *Catalog) Angle(i, j int) float64 {
	return c.entries[i].Unit.AngleTo(c.entries[j].Unit)
}
