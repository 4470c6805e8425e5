// Package zarr reads dense 2D matrices from Zarr v3 stores.
package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ArrayMeta is the zarr.json metadata of a Zarr v3 array.
type ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration"`
	} `json:"codecs"`
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

// Reader reads one dense 2D array from a Zarr v3 store. The array
// directory holds zarr.json plus chunk files under c/.
type Reader struct {
	arrayPath  string
	meta       *ArrayMeta
	decoder    *zstd.Decoder
	elemSize   int
	compressed bool
	fill       float64
}

// NewReader opens the array at arrayPath and validates its metadata.
func NewReader(arrayPath string) (*Reader, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, "zarr.json"))
	if err != nil {
		return nil, fmt.Errorf("read zarr.json: %w", err)
	}
	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse zarr.json: %w", err)
	}

	if meta.ZarrFormat != 0 && meta.ZarrFormat != 3 {
		return nil, fmt.Errorf("unsupported zarr_format: %d", meta.ZarrFormat)
	}
	if len(meta.Shape) != 2 {
		return nil, fmt.Errorf("expected a 2-dimensional array, got shape %v", meta.Shape)
	}
	if len(meta.ChunkGrid.Configuration.ChunkShape) != 2 {
		return nil, fmt.Errorf("invalid chunk_shape: %v", meta.ChunkGrid.Configuration.ChunkShape)
	}
	for d := 0; d < 2; d++ {
		if meta.Shape[d] <= 0 || meta.ChunkGrid.Configuration.ChunkShape[d] <= 0 {
			return nil, fmt.Errorf("invalid dimensions: shape=%v chunk_shape=%v",
				meta.Shape, meta.ChunkGrid.Configuration.ChunkShape)
		}
	}

	elemSize, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}
	fill, err := fillValue(&meta)
	if err != nil {
		return nil, err
	}

	compressed := false
	for _, c := range meta.Codecs {
		switch c.Name {
		case "zstd":
			compressed = true
		case "bytes", "":
			// Raw little-endian encoding.
		default:
			return nil, fmt.Errorf("unsupported codec: %s", c.Name)
		}
	}

	r := &Reader{
		arrayPath:  arrayPath,
		meta:       &meta,
		elemSize:   elemSize,
		compressed: compressed,
		fill:       fill,
	}
	if compressed {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		r.decoder = dec
	}
	return r, nil
}

// Rows returns the first dimension of the array.
func (r *Reader) Rows() int { return r.meta.Shape[0] }

// Cols returns the second dimension of the array.
func (r *Reader) Cols() int { return r.meta.Shape[1] }

// Read loads the whole array as a row-major float64 slice. Chunks absent
// on disk stand for all-fill-value chunks.
func (r *Reader) Read() ([]float64, error) {
	rows, cols := r.meta.Shape[0], r.meta.Shape[1]
	chunkRows := r.meta.ChunkGrid.Configuration.ChunkShape[0]
	chunkCols := r.meta.ChunkGrid.Configuration.ChunkShape[1]

	out := make([]float64, rows*cols)
	nRowChunks := ceilDiv(rows, chunkRows)
	nColChunks := ceilDiv(cols, chunkCols)

	for rc := 0; rc < nRowChunks; rc++ {
		rowStart := rc * chunkRows
		rowLen := min(chunkRows, rows-rowStart)

		for cc := 0; cc < nColChunks; cc++ {
			colStart := cc * chunkCols
			colLen := min(chunkCols, cols-colStart)

			data, err := r.readChunk(rc, cc)
			if err != nil {
				return nil, fmt.Errorf("chunk %d/%d: %w", rc, cc, err)
			}
			if data == nil {
				if r.fill != 0 {
					for i := 0; i < rowLen; i++ {
						base := (rowStart+i)*cols + colStart
						for j := 0; j < colLen; j++ {
							out[base+j] = r.fill
						}
					}
				}
				continue
			}

			// Conforming writers store full-size chunks and pad the
			// edges; some writers truncate edge chunks instead. The byte
			// length tells the two apart.
			stride := chunkCols
			if len(data) == rowLen*colLen*r.elemSize {
				stride = colLen
			}
			need := ((rowLen-1)*stride + colLen) * r.elemSize
			if len(data) < need {
				return nil, fmt.Errorf("chunk %d/%d too short: got %d bytes, need %d", rc, cc, len(data), need)
			}

			for i := 0; i < rowLen; i++ {
				base := (rowStart+i)*cols + colStart
				for j := 0; j < colLen; j++ {
					out[base+j] = r.elemAt(data, (i*stride+j)*r.elemSize)
				}
			}
		}
	}
	return out, nil
}

// readChunk returns the decoded chunk bytes, or nil when the chunk file
// does not exist.
func (r *Reader) readChunk(rowChunk, colChunk int) ([]byte, error) {
	sep := r.meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	key := strings.Join([]string{strconv.Itoa(rowChunk), strconv.Itoa(colChunk)}, sep)

	raw, err := os.ReadFile(filepath.Join(r.arrayPath, "c", key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !r.compressed {
		return raw, nil
	}
	data, err := r.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return data, nil
}

func (r *Reader) elemAt(data []byte, off int) float64 {
	switch r.meta.DataType {
	case "float64":
		return math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
	case "float32":
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
	case "int32":
		return float64(int32(binary.LittleEndian.Uint32(data[off:])))
	case "uint32":
		return float64(binary.LittleEndian.Uint32(data[off:]))
	}
	return 0
}

// Close releases the decoder.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "float64":
		return 8, nil
	case "float32", "int32", "uint32":
		return 4, nil
	default:
		return 0, fmt.Errorf("unsupported data_type: %s", dataType)
	}
}

func fillValue(meta *ArrayMeta) (float64, error) {
	switch v := meta.FillValue.(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case string:
		switch v {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		return 0, fmt.Errorf("unsupported fill_value: %q", v)
	default:
		return 0, fmt.Errorf("unsupported fill_value type: %T", meta.FillValue)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
