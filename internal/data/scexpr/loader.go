package scexpr

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/kshedden/gonpy"

	"github.com/pbulk/server/internal/data/zarr"
)

// openMaybeCompressed opens path and transparently decodes .gz and .zst
// suffixes.
func openMaybeCompressed(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasSuffix(path, ".gz"):
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("scexpr: open gzip %s: %w", path, err)
		}
		return &wrappedCloser{Reader: zr, close: func() error { zr.Close(); return f.Close() }}, nil
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("scexpr: open zstd %s: %w", path, err)
		}
		return &wrappedCloser{Reader: zr, close: func() error { zr.Close(); return f.Close() }}, nil
	}
	return f, nil
}

type wrappedCloser struct {
	io.Reader
	close func() error
}

func (w *wrappedCloser) Close() error { return w.close() }

// fieldSep picks the column delimiter from the file name: .csv means
// comma, anything else is tab. Compression suffixes are ignored.
func fieldSep(path string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(path, ".gz"), ".zst")
	if strings.HasSuffix(base, ".csv") {
		return ","
	}
	return "\t"
}

// CountsFile holds a parsed gene x cell count matrix.
type CountsFile struct {
	Genes  []string
	Cells  []string
	Values []float64
}

// LoadCounts reads a delimited count matrix: header row "gene<SEP>cell
// ids...", one row per gene. Tab-delimited unless the name ends in .csv;
// the file may be gzip or zstd compressed.
func LoadCounts(path string) (*CountsFile, error) {
	r, err := openMaybeCompressed(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	sep := fieldSep(path)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024*1024), 64*1024*1024)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("scexpr: read %s: %w", path, err)
		}
		return nil, ErrEmptyInput
	}
	header := strings.Split(sc.Text(), sep)
	if len(header) < 2 {
		return nil, fmt.Errorf("scexpr: %s: header has no cell columns", path)
	}
	cf := &CountsFile{Cells: header[1:]}

	for sc.Scan() {
		fields := strings.Split(sc.Text(), sep)
		if len(fields) != len(header) {
			return nil, fmt.Errorf("scexpr: %s: row %q has %d fields, want %d", path, fields[0], len(fields), len(header))
		}
		cf.Genes = append(cf.Genes, fields[0])
		for _, s := range fields[1:] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("scexpr: %s: gene %q: %w", path, fields[0], err)
			}
			cf.Values = append(cf.Values, v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scexpr: read %s: %w", path, err)
	}
	if len(cf.Genes) == 0 {
		return nil, ErrEmptyInput
	}
	return cf, nil
}

// LoadCountsNpy reads a gene x cell matrix from a NumPy .npy file with
// sidecar text files listing gene and cell identifiers, one per line.
func LoadCountsNpy(npyPath, genesPath, cellsPath string) (*CountsFile, error) {
	rd, err := gonpy.NewFileReader(npyPath)
	if err != nil {
		return nil, fmt.Errorf("scexpr: open npy %s: %w", npyPath, err)
	}
	if len(rd.Shape) != 2 {
		return nil, fmt.Errorf("scexpr: %s: want 2-D array, got shape %v", npyPath, rd.Shape)
	}

	var vals []float64
	switch rd.Dtype {
	case "f8":
		vals, err = rd.GetFloat64()
	case "f4":
		var v32 []float32
		v32, err = rd.GetFloat32()
		if err == nil {
			vals = make([]float64, len(v32))
			for i, v := range v32 {
				vals[i] = float64(v)
			}
		}
	default:
		return nil, fmt.Errorf("scexpr: %s: unsupported dtype %q", npyPath, rd.Dtype)
	}
	if err != nil {
		return nil, fmt.Errorf("scexpr: read npy %s: %w", npyPath, err)
	}

	genes, err := loadLines(genesPath)
	if err != nil {
		return nil, err
	}
	cells, err := loadLines(cellsPath)
	if err != nil {
		return nil, err
	}
	if len(genes) != rd.Shape[0] || len(cells) != rd.Shape[1] {
		return nil, fmt.Errorf("scexpr: %s: shape %v does not match %d genes x %d cells", npyPath, rd.Shape, len(genes), len(cells))
	}

	if rd.ColumnMajor {
		rm := make([]float64, len(vals))
		nr, nc := rd.Shape[0], rd.Shape[1]
		for j := 0; j < nc; j++ {
			for i := 0; i < nr; i++ {
				rm[i*nc+j] = vals[j*nr+i]
			}
		}
		vals = rm
	}

	return &CountsFile{Genes: genes, Cells: cells, Values: vals}, nil
}

// LoadCountsZarr reads a gene x cell matrix from a Zarr v3 store. The
// store directory holds the array under counts/ and sidecar gene and
// cell identifier lists, one per line.
func LoadCountsZarr(storePath string) (*CountsFile, error) {
	rd, err := zarr.NewReader(filepath.Join(storePath, "counts"))
	if err != nil {
		return nil, fmt.Errorf("scexpr: open zarr %s: %w", storePath, err)
	}
	defer rd.Close()

	genes, err := loadLines(filepath.Join(storePath, "genes.txt"))
	if err != nil {
		return nil, err
	}
	cells, err := loadLines(filepath.Join(storePath, "cells.txt"))
	if err != nil {
		return nil, err
	}
	if len(genes) != rd.Rows() || len(cells) != rd.Cols() {
		return nil, fmt.Errorf("scexpr: %s: array is %dx%d, does not match %d genes x %d cells",
			storePath, rd.Rows(), rd.Cols(), len(genes), len(cells))
	}

	vals, err := rd.Read()
	if err != nil {
		return nil, fmt.Errorf("scexpr: read zarr %s: %w", storePath, err)
	}
	return &CountsFile{Genes: genes, Cells: cells, Values: vals}, nil
}

func loadLines(path string) ([]string, error) {
	r, err := openMaybeCompressed(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if s := strings.TrimSpace(sc.Text()); s != "" {
			lines = append(lines, s)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scexpr: read %s: %w", path, err)
	}
	return lines, nil
}

// LoadObs reads a delimited annotation file (tab, or comma for .csv).
// The first column must be the cell identifier; remaining header names
// become annotation columns. Rows are matched to cells by identifier, so
// file order need not match matrix order.
func LoadObs(path string, cells []string) (map[string][]string, error) {
	r, err := openMaybeCompressed(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	sep := fieldSep(path)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024*1024), 16*1024*1024)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("scexpr: read %s: %w", path, err)
		}
		return nil, ErrEmptyInput
	}
	header := strings.Split(sc.Text(), sep)
	if len(header) < 2 {
		return nil, fmt.Errorf("scexpr: %s: annotation file needs at least one column besides the cell id", path)
	}

	cellPos := make(map[string]int, len(cells))
	for i, c := range cells {
		cellPos[c] = i
	}

	obs := make(map[string][]string, len(header)-1)
	for _, col := range header[1:] {
		obs[col] = make([]string, len(cells))
	}
	seen := make([]bool, len(cells))

	for sc.Scan() {
		fields := strings.Split(sc.Text(), sep)
		if len(fields) != len(header) {
			return nil, fmt.Errorf("scexpr: %s: row %q has %d fields, want %d", path, fields[0], len(fields), len(header))
		}
		pos, ok := cellPos[fields[0]]
		if !ok {
			return nil, fmt.Errorf("scexpr: %s: unknown cell id %q", path, fields[0])
		}
		seen[pos] = true
		for i, col := range header[1:] {
			obs[col][pos] = fields[i+1]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scexpr: read %s: %w", path, err)
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("scexpr: %s: no annotation row for cell %q", path, cells[i])
		}
	}
	return obs, nil
}

// LoadTable assembles a Table from a counts file and an obs annotation file.
func LoadTable(countsPath, obsPath string) (*Table, error) {
	cf, err := LoadCounts(countsPath)
	if err != nil {
		return nil, err
	}
	obs, err := LoadObs(obsPath, cf.Cells)
	if err != nil {
		return nil, err
	}
	return NewTable(TableInput{Genes: cf.Genes, Cells: cf.Cells, Counts: cf.Values, Obs: obs})
}

// LoadTableNpy assembles a Table from a numpy counts matrix with sidecar
// gene and cell lists, plus an obs annotation file.
func LoadTableNpy(npyPath, genesPath, cellsPath, obsPath string) (*Table, error) {
	cf, err := LoadCountsNpy(npyPath, genesPath, cellsPath)
	if err != nil {
		return nil, err
	}
	obs, err := LoadObs(obsPath, cf.Cells)
	if err != nil {
		return nil, err
	}
	return NewTable(TableInput{Genes: cf.Genes, Cells: cf.Cells, Counts: cf.Values, Obs: obs})
}

// LoadTableZarr assembles a Table from a Zarr v3 counts store plus an obs
// annotation file.
func LoadTableZarr(storePath, obsPath string) (*Table, error) {
	cf, err := LoadCountsZarr(storePath)
	if err != nil {
		return nil, err
	}
	obs, err := LoadObs(obsPath, cf.Cells)
	if err != nil {
		return nil, err
	}
	return NewTable(TableInput{Genes: cf.Genes, Cells: cf.Cells, Counts: cf.Values, Obs: obs})
}
