// Package rawdata reads and writes labeled frames in "raw" format:
// a directory with one text file per field, one frame per line.
//
//	energy.raw  1 value per frame
//	coord.raw   3 * atoms values per frame
//	force.raw   3 * atoms values per frame
//	box.raw     9 values per frame
//	virial.raw  9 values per frame
//	type.raw    atom types (not per frame), copied as is
//
// Every field is optional, but present fields should have the same number of frames.
package rawdata

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	xe "github.com/opst/deepff/pkg/errors"
)

const (
	EnergyFile = "energy.raw"
	CoordFile  = "coord.raw"
	ForceFile  = "force.raw"
	BoxFile    = "box.raw"
	VirialFile = "virial.raw"
	TypeFile   = "type.raw"
)

// Frames is a column-oriented set of frames. nil field means "absent".
type Frames struct {
	Energies []float64
	Coords   [][]float64
	Forces   [][]float64
	Boxes    [][]float64
	Virials  [][]float64

	// atom types. It is not a per-frame field.
	Types []int
}

type field struct {
	name string
	rows func(f *Frames) *[][]float64
}

var matrixFields = []field{
	{name: CoordFile, rows: func(f *Frames) *[][]float64 { return &f.Coords }},
	{name: ForceFile, rows: func(f *Frames) *[][]float64 { return &f.Forces }},
	{name: BoxFile, rows: func(f *Frames) *[][]float64 { return &f.Boxes }},
	{name: VirialFile, rows: func(f *Frames) *[][]float64 { return &f.Virials }},
}

// Len returns the number of frames. It is -1 when fields disagree.
func (f Frames) Len() int {
	n := -1
	check := func(present bool, l int) {
		if !present {
			return
		}
		if n == -1 || n == l {
			n = l
			return
		}
		n = -2
	}
	check(f.Energies != nil, len(f.Energies))
	for _, fd := range matrixFields {
		rows := *fd.rows(&f)
		check(rows != nil, len(rows))
	}
	if n == -2 {
		return -1
	}
	if n == -1 {
		return 0
	}
	return n
}

// Validate checks frame counts and widths of rows.
func (f Frames) Validate() error {
	if f.Len() < 0 {
		return fmt.Errorf("%w: fields have different frame counts (%s)", xe.ErrMalformedData, f.counts())
	}
	for _, fd := range matrixFields {
		rows := *fd.rows(&f)
		for i, r := range rows {
			if len(r) != len(rows[0]) {
				return fmt.Errorf(
					"%w: %s: frame %d has %d values, but frame 0 has %d",
					xe.ErrMalformedData, fd.name, i, len(r), len(rows[0]),
				)
			}
		}
	}
	if f.Coords != nil && f.Forces != nil && 0 < len(f.Coords) && len(f.Coords[0]) != len(f.Forces[0]) {
		return fmt.Errorf("%w: coord and force have different atom counts", xe.ErrMalformedData)
	}
	return nil
}

func (f Frames) counts() string {
	cs := []string{}
	if f.Energies != nil {
		cs = append(cs, fmt.Sprintf("%s: %d", EnergyFile, len(f.Energies)))
	}
	for _, fd := range matrixFields {
		if rows := *fd.rows(&f); rows != nil {
			cs = append(cs, fmt.Sprintf("%s: %d", fd.name, len(rows)))
		}
	}
	return strings.Join(cs, ", ")
}

// Select returns frames at the indices, in the given order.
func (f Frames) Select(indices []int) (Frames, error) {
	n := f.Len()
	for _, i := range indices {
		if i < 0 || n <= i {
			return Frames{}, fmt.Errorf("%w: frame %d is out of range [0, %d)", xe.ErrMalformedData, i, n)
		}
	}
	out := Frames{Types: f.Types}
	if f.Energies != nil {
		out.Energies = make([]float64, 0, len(indices))
		for _, i := range indices {
			out.Energies = append(out.Energies, f.Energies[i])
		}
	}
	for _, fd := range matrixFields {
		rows := *fd.rows(&f)
		if rows == nil {
			continue
		}
		sel := make([][]float64, 0, len(indices))
		for _, i := range indices {
			sel = append(sel, append([]float64{}, rows[i]...))
		}
		*fd.rows(&out) = sel
	}
	return out, nil
}

// Concat joins frames. Fields should be present in all of them or in none.
func Concat(frames ...Frames) (Frames, error) {
	out := Frames{}
	for k, f := range frames {
		if err := f.Validate(); err != nil {
			return Frames{}, err
		}
		if k == 0 {
			out.Types = f.Types
			if f.Energies != nil {
				out.Energies = []float64{}
			}
			for _, fd := range matrixFields {
				if *fd.rows(&f) != nil {
					*fd.rows(&out) = [][]float64{}
				}
			}
		}
		if (out.Energies == nil) != (f.Energies == nil) {
			return Frames{}, fmt.Errorf("%w: %s is not present in all frames", xe.ErrMalformedData, EnergyFile)
		}
		out.Energies = append(out.Energies, f.Energies...)
		for _, fd := range matrixFields {
			dst, src := fd.rows(&out), *fd.rows(&f)
			if (*dst == nil) != (src == nil) {
				return Frames{}, fmt.Errorf("%w: %s is not present in all frames", xe.ErrMalformedData, fd.name)
			}
			if src != nil {
				*dst = append(*dst, src...)
			}
		}
	}
	if err := out.Validate(); err != nil {
		return Frames{}, err
	}
	return out, nil
}

// Read loads frames from the directory.
//
// It returns ErrMalformedData if values can not be parsed or
// fields have different frame counts.
func Read(dir string) (Frames, error) {
	f := Frames{}

	energies, err := readMatrix(filepath.Join(dir, EnergyFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Frames{}, err
	} else if err == nil {
		f.Energies = make([]float64, len(energies))
		for i, row := range energies {
			if len(row) != 1 {
				return Frames{}, fmt.Errorf(
					"%w: %s: frame %d has %d values", xe.ErrMalformedData, EnergyFile, i, len(row),
				)
			}
			f.Energies[i] = row[0]
		}
	}

	for _, fd := range matrixFields {
		rows, err := readMatrix(filepath.Join(dir, fd.name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Frames{}, err
		}
		*fd.rows(&f) = rows
	}

	types, err := readTypes(filepath.Join(dir, TypeFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Frames{}, err
	}
	f.Types = types

	if err := f.Validate(); err != nil {
		return Frames{}, fmt.Errorf("%s: %w", dir, err)
	}
	return f, nil
}

// Count returns the number of frames in the directory.
func Count(dir string) (int, error) {
	f, err := Read(dir)
	if err != nil {
		return 0, err
	}
	return f.Len(), nil
}

// Write stores frames into the directory, replacing existing files.
func Write(dir string, f Frames) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if f.Energies != nil {
		rows := make([][]float64, len(f.Energies))
		for i, e := range f.Energies {
			rows[i] = []float64{e}
		}
		if err := writeMatrix(filepath.Join(dir, EnergyFile), rows); err != nil {
			return err
		}
	}
	for _, fd := range matrixFields {
		rows := *fd.rows(&f)
		if rows == nil {
			continue
		}
		if err := writeMatrix(filepath.Join(dir, fd.name), rows); err != nil {
			return err
		}
	}
	if f.Types != nil {
		strs := make([]string, len(f.Types))
		for i, t := range f.Types {
			strs[i] = strconv.Itoa(t)
		}
		if err := os.WriteFile(filepath.Join(dir, TypeFile), []byte(strings.Join(strs, "\n")+"\n"), 0644); err != nil {
			return err
		}
	}
	return nil
}

func readMatrix(path string) ([][]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return parseMatrix(file, path)
}

func parseMatrix(r io.Reader, name string) ([][]float64, error) {
	rows := [][]float64{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	lineno := 0
	for sc.Scan() {
		lineno += 1
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for i, s := range fields {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s line %d: %q is not a number", xe.ErrMalformedData, name, lineno, s)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

func readTypes(path string) ([]int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	types := []int{}
	for _, s := range strings.Fields(string(content)) {
		t, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %q is not an integer", xe.ErrMalformedData, path, s)
		}
		types = append(types, t)
	}
	return types, nil
}

func writeMatrix(path string, rows [][]float64) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(file)
	for _, row := range rows {
		for i, v := range row {
			if i != 0 {
				w.WriteByte(' ')
			}
			w.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
