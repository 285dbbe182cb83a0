package sparsevox

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

const (
	checkpointMagic   = "SVXB"
	checkpointVersion = 1

	arrayTagRaw       = 0
	arrayTagQuantized = 1
)

var (
	ErrBadMagic = errors.New("not a sparse voxel checkpoint")
	// ErrQuantizedMismatch signals a bundle whose quantized header flag
	// disagrees with its stored array tags. The flag is trusted as written;
	// the loader never guesses around it.
	ErrQuantizedMismatch = errors.New("quantized flag disagrees with stored array types")
)

// Save writes the model to path as one bundle: active color degree, scene
// bounds, address arrays and the three parameter arrays. With quantize set,
// each parameter array is replaced by 8-bit indices plus a 256-entry float
// codebook per channel (density once, colors per scalar channel).
func (m *SparseVoxelModel) Save(path string, quantize bool) error {
	if err := m.checkAligned(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := m.writeCheckpoint(w, quantize); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// SaveIteration writes the bundle under dir/checkpoints with the canonical
// iteration naming.
func (m *SparseVoxelModel) SaveIteration(dir string, iteration int, quantize bool) error {
	m.Iteration = iteration
	return m.Save(iterationPath(dir, iteration), quantize)
}

// LoadModel restores a bundle saved by Save. Dequantization happens before
// use when the bundle was quantized; the subdivision priority resets to
// neutral and the grid point link is recomputed lazily on first access.
// Returns the model and the iteration recorded at save time.
func LoadModel(path string) (*SparseVoxelModel, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	m, err := readCheckpoint(bufio.NewReader(f))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load checkpoint %s: %w", path, err)
	}
	return m, m.Iteration, nil
}

// LoadIteration loads dir/checkpoints/iterNNNNNN_model.svx. With iteration
// -1 it scans the directory for the highest saved iteration.
func LoadIteration(dir string, iteration int) (*SparseVoxelModel, int, error) {
	if iteration == -1 {
		latest, err := latestIteration(dir)
		if err != nil {
			return nil, 0, err
		}
		iteration = latest
	}
	return LoadModel(iterationPath(dir, iteration))
}

func iterationPath(dir string, iteration int) string {
	return filepath.Join(dir, "checkpoints", fmt.Sprintf("iter%06d_model.svx", iteration))
}

var nonDigits = regexp.MustCompile(`[^0-9]`)

func latestIteration(dir string) (int, error) {
	entries, err := os.ReadDir(filepath.Join(dir, "checkpoints"))
	if err != nil {
		return 0, err
	}
	best := -1
	for _, e := range entries {
		digits := nonDigits.ReplaceAllString(e.Name(), "")
		if digits == "" {
			continue
		}
		it, err := strconv.Atoi(digits)
		if err != nil {
			continue
		}
		if it > best {
			best = it
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("no checkpoints found under %s", dir)
	}
	return best, nil
}

func (m *SparseVoxelModel) writeCheckpoint(w io.Writer, quantize bool) error {
	le := binary.LittleEndian
	if _, err := w.Write([]byte(checkpointMagic)); err != nil {
		return err
	}
	header := []any{
		uint16(checkpointVersion),
		boolByte(quantize),
		m.BundleID,
		uint32(m.Iteration),
		uint8(m.ActiveSHDegree),
		uint8(m.MaxSHDegree),
		[3]float32(m.Bounds.Center),
		m.Bounds.InsideExtent,
		m.Bounds.SceneExtent,
		uint8(m.Bounds.OutsideLevel),
		uint64(m.NumVoxels()),
		uint64(m.NumGridPoints()),
	}
	for _, v := range header {
		if err := binary.Write(w, le, v); err != nil {
			return err
		}
	}
	if err := binary.Write(w, le, m.Paths); err != nil {
		return err
	}
	if err := binary.Write(w, le, m.Levels); err != nil {
		return err
	}

	if quantize {
		if err := writeQuantizedArray(w, []quantizedArray{quantizeValues(m.DensityGrid)}); err != nil {
			return err
		}
		if err := writeQuantizedArray(w, quantizeChannels(m.SH0, 3)); err != nil {
			return err
		}
		if err := writeQuantizedArray(w, quantizeSHS(m.SHS, m.shsDim())); err != nil {
			return err
		}
		return nil
	}
	for _, arr := range [][]float32{m.DensityGrid, m.SH0, m.SHS} {
		if err := writeRawArray(w, arr); err != nil {
			return err
		}
	}
	return nil
}

func readCheckpoint(r io.Reader) (*SparseVoxelModel, error) {
	le := binary.LittleEndian
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	if string(magic[:]) != checkpointMagic {
		return nil, ErrBadMagic
	}
	var version uint16
	if err := binary.Read(r, le, &version); err != nil {
		return nil, err
	}
	if version != checkpointVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d", version)
	}

	var (
		quantized                  uint8
		bundleID                   uuid.UUID
		iteration                  uint32
		activeDeg, maxDeg          uint8
		center                     [3]float32
		insideExtent, sceneExtent  float32
		outsideLevel               uint8
		numVoxels, numGridPts      uint64
	)
	for _, v := range []any{
		&quantized, &bundleID, &iteration, &activeDeg, &maxDeg,
		&center, &insideExtent, &sceneExtent, &outsideLevel,
		&numVoxels, &numGridPts,
	} {
		if err := binary.Read(r, le, v); err != nil {
			return nil, err
		}
	}
	if int(maxDeg) < int(activeDeg) {
		return nil, fmt.Errorf("active color degree %d exceeds max %d", activeDeg, maxDeg)
	}

	m := &SparseVoxelModel{
		Bounds: SceneBounds{
			Center:       mgl32.Vec3(center),
			InsideExtent: insideExtent,
			SceneExtent:  sceneExtent,
			OutsideLevel: int(outsideLevel),
		},
		MaxSHDegree:    int(maxDeg),
		ActiveSHDegree: int(activeDeg),
		GeoInit:        DefaultGeoInit,
		SH0Init:        DefaultSH0Init,
		SHSInit:        DefaultSHSInit,
		BundleID:       bundleID,
		Iteration:      int(iteration),
	}

	m.Paths = make([]uint64, numVoxels)
	if err := binary.Read(r, le, m.Paths); err != nil {
		return nil, err
	}
	m.Levels = make([]int8, numVoxels)
	if err := binary.Read(r, le, m.Levels); err != nil {
		return nil, err
	}
	for i, lv := range m.Levels {
		if lv < 0 || int(lv) > MaxLevels {
			return nil, fmt.Errorf("voxel %d: stored level %d out of range", i, lv)
		}
	}

	wantQuantized := quantized != 0
	density, err := readParamArray(r, wantQuantized, dequantizeValuesSingle)
	if err != nil {
		return nil, err
	}
	sh0, err := readParamArray(r, wantQuantized, dequantizeSH0)
	if err != nil {
		return nil, err
	}
	shs, err := readParamArray(r, wantQuantized, dequantizeSHS)
	if err != nil {
		return nil, err
	}
	m.DensityGrid = density
	m.SH0 = sh0
	m.SHS = shs

	if uint64(len(m.DensityGrid)) != numGridPts {
		return nil, fmt.Errorf("density length %d does not match stored grid point count %d", len(m.DensityGrid), numGridPts)
	}
	m.generation = 1
	m.ResetSubdivisionPriority()
	if err := m.checkAligned(); err != nil {
		return nil, err
	}
	if uint64(m.NumGridPoints()) != numGridPts {
		return nil, fmt.Errorf("recomputed grid point count %d does not match stored %d", m.NumGridPoints(), numGridPts)
	}
	return m, nil
}

func writeRawArray(w io.Writer, vals []float32) error {
	le := binary.LittleEndian
	if err := binary.Write(w, le, uint8(arrayTagRaw)); err != nil {
		return err
	}
	if err := binary.Write(w, le, uint64(len(vals))); err != nil {
		return err
	}
	return binary.Write(w, le, vals)
}

func writeQuantizedArray(w io.Writer, channels []quantizedArray) error {
	le := binary.LittleEndian
	if err := binary.Write(w, le, uint8(arrayTagQuantized)); err != nil {
		return err
	}
	if err := binary.Write(w, le, uint16(len(channels))); err != nil {
		return err
	}
	for _, q := range channels {
		if err := binary.Write(w, le, uint64(len(q.Index))); err != nil {
			return err
		}
		if _, err := w.Write(q.Index); err != nil {
			return err
		}
		if err := binary.Write(w, le, q.Codebook[:]); err != nil {
			return err
		}
	}
	return nil
}

// readParamArray reads one tagged parameter array, enforcing that the tag
// agrees with the bundle's quantized flag, and dequantizes when needed
// using the layout restorer for the array being read.
func readParamArray(r io.Reader, wantQuantized bool, restore func([]quantizedArray) []float32) ([]float32, error) {
	le := binary.LittleEndian
	var tag uint8
	if err := binary.Read(r, le, &tag); err != nil {
		return nil, err
	}
	switch tag {
	case arrayTagRaw:
		if wantQuantized {
			return nil, ErrQuantizedMismatch
		}
		var count uint64
		if err := binary.Read(r, le, &count); err != nil {
			return nil, err
		}
		vals := make([]float32, count)
		if err := binary.Read(r, le, vals); err != nil {
			return nil, err
		}
		return vals, nil
	case arrayTagQuantized:
		if !wantQuantized {
			return nil, ErrQuantizedMismatch
		}
		var nChannels uint16
		if err := binary.Read(r, le, &nChannels); err != nil {
			return nil, err
		}
		channels := make([]quantizedArray, nChannels)
		for c := range channels {
			var count uint64
			if err := binary.Read(r, le, &count); err != nil {
				return nil, err
			}
			channels[c].Index = make([]uint8, count)
			if _, err := io.ReadFull(r, channels[c].Index); err != nil {
				return nil, err
			}
			cb := make([]float32, quantBuckets)
			if err := binary.Read(r, le, cb); err != nil {
				return nil, err
			}
			copy(channels[c].Codebook[:], cb)
		}
		return restore(channels), nil
	default:
		return nil, fmt.Errorf("unknown parameter array tag %d", tag)
	}
}

// quantizeSHS quantizes the higher-order coefficients per coefficient
// index: channel k holds the 3 color components of coefficient k for every
// voxel, matching the layout SHS[(i*dim+k)*3+c].
func quantizeSHS(shs []float32, dim int) []quantizedArray {
	if dim == 0 {
		return nil
	}
	n := len(shs) / (dim * 3)
	out := make([]quantizedArray, dim)
	parallelFor(dim, func(begin, end int) {
		for k := begin; k < end; k++ {
			channel := make([]float32, n*3)
			for i := 0; i < n; i++ {
				base := (i*dim + k) * 3
				copy(channel[i*3:i*3+3], shs[base:base+3])
			}
			out[k] = quantizeValues(channel)
		}
	})
	return out
}

// dequantizeValuesSingle restores a single-channel array (density).
func dequantizeValuesSingle(channels []quantizedArray) []float32 {
	if len(channels) == 0 {
		return nil
	}
	return dequantizeValues(channels[0])
}

// dequantizeSH0 restores the base color array from its 3 per-color
// channels back to the flat [i*3+c] layout.
func dequantizeSH0(channels []quantizedArray) []float32 {
	if len(channels) == 0 {
		return nil
	}
	perCh := len(channels[0].Index)
	out := make([]float32, len(channels)*perCh)
	for c, q := range channels {
		for i, b := range q.Index {
			out[i*len(channels)+c] = q.Codebook[b]
		}
	}
	return out
}

// dequantizeSHS restores the higher-order coefficients from their
// per-coefficient channels back to the flat [(i*dim+k)*3+c] layout.
func dequantizeSHS(channels []quantizedArray) []float32 {
	dim := len(channels)
	if dim == 0 {
		return nil
	}
	n := len(channels[0].Index) / 3
	out := make([]float32, n*dim*3)
	for k, q := range channels {
		for i := 0; i < n; i++ {
			base := (i*dim + k) * 3
			for c := 0; c < 3; c++ {
				out[base+c] = q.Codebook[q.Index[i*3+c]]
			}
		}
	}
	return out
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
