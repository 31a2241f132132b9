package reader

import (
	"fmt"
	"io"
	"os"

	"asklepios/internal/model"
)

// Reader provides random access into a patient data file. Byte offsets
// handed out by the seek methods are real file offsets, so partition
// ranges computed from them tile the file exactly.
type Reader struct {
	f       *os.File
	size    int64
	inputs  []string
	output  string
	filters []string
}

// FilterSpec selects records by their property tags.
type FilterSpec struct {
	Require []string
	Exclude []string
}

// Open prepares a data file for random patient access. The feature name
// lists fix the column order of every sample matrix the reader returns.
func Open(path string, inputFeatures []string, outputFeature string, filterProperties []string) (*Reader, error) {
	if len(inputFeatures) == 0 {
		return nil, fmt.Errorf("input features are required")
	}
	if outputFeature == "" {
		return nil, fmt.Errorf("output feature is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Reader{
		f:       f,
		size:    info.Size(),
		inputs:  append([]string(nil), inputFeatures...),
		output:  outputFeature,
		filters: append([]string(nil), filterProperties...),
	}, nil
}

func (r *Reader) Close() error {
	return r.f.Close()
}

func (r *Reader) Size() int64 {
	return r.size
}

func (r *Reader) InputFeatures() []string {
	return append([]string(nil), r.inputs...)
}

// SeekFirstPatientInRange finds the first whole patient whose records
// begin at or after start. A nominal start falling mid-patient skips
// forward to the next patient boundary.
func (r *Reader) SeekFirstPatientInRange(start, stop int64) (found, eof bool, span model.PatientSpan, err error) {
	lineStart, err := r.lineStartAtOrAfter(start)
	if err != nil {
		return false, false, model.PatientSpan{}, err
	}
	if lineStart >= r.size {
		return false, true, model.PatientSpan{}, nil
	}
	if lineStart > 0 {
		prevStart, err := r.prevLineStart(lineStart)
		if err != nil {
			return false, false, model.PatientSpan{}, err
		}
		prevID, err := r.patientIDAt(prevStart)
		if err != nil {
			return false, false, model.PatientSpan{}, err
		}
		curID, err := r.patientIDAt(lineStart)
		if err != nil {
			return false, false, model.PatientSpan{}, err
		}
		if prevID == curID {
			// Mid-patient: skip the remainder of the straddling patient.
			tail, err := r.patientSpanAt(lineStart)
			if err != nil {
				return false, false, model.PatientSpan{}, err
			}
			lineStart = tail.Stop
			if lineStart >= r.size {
				return false, true, model.PatientSpan{}, nil
			}
		}
	}
	if lineStart >= stop {
		return false, false, model.PatientSpan{}, nil
	}
	span, err = r.patientSpanAt(lineStart)
	if err != nil {
		return false, false, model.PatientSpan{}, err
	}
	return true, false, span, nil
}

// SeekNextPatientInRange advances past a previously returned patient.
// found is false once the next patient would begin at or beyond
// rangeStop; eof is true once the file is exhausted.
func (r *Reader) SeekNextPatientInRange(prev model.PatientSpan, rangeStop int64) (found, eof bool, span model.PatientSpan, err error) {
	next := prev.Stop
	if next >= r.size {
		return false, true, model.PatientSpan{}, nil
	}
	if next >= rangeStop {
		return false, false, model.PatientSpan{}, nil
	}
	span, err = r.patientSpanAt(next)
	if err != nil {
		return false, false, model.PatientSpan{}, err
	}
	return true, false, span, nil
}

// ReadPatientSamples parses one patient's records into sample vectors
// ordered by time. Records failing the filter spec are dropped, as are
// records closer than minIntervalHours to the previously kept one and
// records missing the output feature. Missing input features read as 0.
func (r *Reader) ReadPatientSamples(span model.PatientSpan, filter FilterSpec, minIntervalHours float64) (inputs [][]float64, outputs []float64, err error) {
	pos := span.Start
	lastKept := 0.0
	haveKept := false
	for pos < span.Stop {
		line, next, err := r.readLineAt(pos)
		if err != nil {
			return nil, nil, err
		}
		rec, err := ParseRecord(line)
		if err != nil {
			return nil, nil, fmt.Errorf("record at offset %d: %w", pos, err)
		}
		pos = next
		if !passesFilter(rec, filter) {
			continue
		}
		if haveKept && minIntervalHours > 0 && rec.Hours-lastKept < minIntervalHours {
			continue
		}
		out, ok := rec.Values[r.output]
		if !ok {
			continue
		}
		row := make([]float64, len(r.inputs))
		for i, name := range r.inputs {
			row[i] = rec.Values[name]
		}
		inputs = append(inputs, row)
		outputs = append(outputs, out)
		lastKept = rec.Hours
		haveKept = true
	}
	return inputs, outputs, nil
}

func passesFilter(rec Record, filter FilterSpec) bool {
	for _, tag := range filter.Require {
		if !rec.HasTag(tag) {
			return false
		}
	}
	for _, tag := range filter.Exclude {
		if rec.HasTag(tag) {
			return false
		}
	}
	return true
}

func (r *Reader) patientIDAt(lineStart int64) (string, error) {
	line, _, err := r.readLineAt(lineStart)
	if err != nil {
		return "", err
	}
	for i := 0; i < len(line); i++ {
		if line[i] == '\t' {
			return line[:i], nil
		}
	}
	return "", fmt.Errorf("malformed record at offset %d", lineStart)
}

// patientSpanAt scans forward from a patient's first line to the byte
// after its last line.
func (r *Reader) patientSpanAt(lineStart int64) (model.PatientSpan, error) {
	id, err := r.patientIDAt(lineStart)
	if err != nil {
		return model.PatientSpan{}, err
	}
	pos := lineStart
	for pos < r.size {
		curID, err := r.patientIDAt(pos)
		if err != nil {
			return model.PatientSpan{}, err
		}
		if curID != id {
			break
		}
		_, next, err := r.readLineAt(pos)
		if err != nil {
			return model.PatientSpan{}, err
		}
		pos = next
	}
	return model.PatientSpan{Start: lineStart, Stop: pos}, nil
}

// lineStartAtOrAfter returns the offset of the first line beginning at
// or after pos.
func (r *Reader) lineStartAtOrAfter(pos int64) (int64, error) {
	if pos <= 0 {
		return 0, nil
	}
	if pos >= r.size {
		return r.size, nil
	}
	buf := make([]byte, 1)
	if _, err := r.f.ReadAt(buf, pos-1); err != nil {
		return 0, err
	}
	if buf[0] == '\n' {
		return pos, nil
	}
	// Mid-line: skip to the byte after the next newline.
	cur := pos
	chunk := make([]byte, 4096)
	for cur < r.size {
		n, err := r.f.ReadAt(chunk, cur)
		if err != nil && err != io.EOF {
			return 0, err
		}
		for i := 0; i < n; i++ {
			if chunk[i] == '\n' {
				return cur + int64(i) + 1, nil
			}
		}
		cur += int64(n)
		if err == io.EOF {
			break
		}
	}
	return r.size, nil
}

// prevLineStart returns the offset of the line preceding the line that
// begins at lineStart.
func (r *Reader) prevLineStart(lineStart int64) (int64, error) {
	if lineStart <= 0 {
		return 0, nil
	}
	// Byte at lineStart-1 is the previous line's newline; scan back for
	// the one before it.
	end := lineStart - 1
	chunk := make([]byte, 4096)
	for end > 0 {
		readStart := end - int64(len(chunk))
		if readStart < 0 {
			readStart = 0
		}
		n := int(end - readStart)
		if _, err := r.f.ReadAt(chunk[:n], readStart); err != nil && err != io.EOF {
			return 0, err
		}
		for i := n - 1; i >= 0; i-- {
			if chunk[i] == '\n' {
				return readStart + int64(i) + 1, nil
			}
		}
		end = readStart
	}
	return 0, nil
}

// readLineAt reads the line beginning at pos, returning it without its
// newline plus the offset of the next line.
func (r *Reader) readLineAt(pos int64) (string, int64, error) {
	if pos >= r.size {
		return "", pos, io.EOF
	}
	var line []byte
	cur := pos
	chunk := make([]byte, 4096)
	for cur < r.size {
		n, err := r.f.ReadAt(chunk, cur)
		if err != nil && err != io.EOF {
			return "", 0, err
		}
		for i := 0; i < n; i++ {
			if chunk[i] == '\n' {
				line = append(line, chunk[:i]...)
				return string(line), cur + int64(i) + 1, nil
			}
		}
		line = append(line, chunk[:n]...)
		cur += int64(n)
		if err == io.EOF {
			break
		}
	}
	// Final line without trailing newline.
	return string(line), r.size, nil
}
