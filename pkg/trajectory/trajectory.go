// Package trajectory reads per-step host state for offline runs: named scalar fields from
// COLVAR files and particle positions from XYZ files.
package trajectory

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/zwpku/torchann-plumed/pkg/bridge"
)

// MaxLineSize bounds a single line. COLVAR files with thousands of descriptor columns
// produce lines well beyond bufio's default token size.
const MaxLineSize = 16 << 20

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), MaxLineSize)
	return scanner
}

// Frame is the host state of one step.
type Frame struct {
	Step      int
	Time      float64
	Fields    map[string]float64
	Positions []bridge.Vector
}

// Reader returns frames in order and io.EOF after the last one.
type Reader interface {
	Next() (*Frame, error)
}

// ColvarReader reads whitespace-separated columns named by a "#! FIELDS" header.
// The first field is the time.
type ColvarReader struct {
	scanner *bufio.Scanner
	fields  []string
	line    int
	step    int
}

var _ Reader = &ColvarReader{}

func NewColvarReader(r io.Reader) *ColvarReader {
	return &ColvarReader{scanner: newScanner(r)}
}

// Fields returns the column names once the header has been read.
func (c *ColvarReader) Fields() []string {
	return c.fields
}

func (c *ColvarReader) Next() (*Frame, error) {
	for c.scanner.Scan() {
		c.line++
		line := strings.TrimSpace(c.scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#!") {
			tokens := strings.Fields(strings.TrimPrefix(line, "#!"))
			if len(tokens) > 0 && tokens[0] == "FIELDS" {
				c.fields = tokens[1:]
			}
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if len(c.fields) == 0 {
			return nil, fmt.Errorf("line %d: data before #! FIELDS header", c.line)
		}

		columns := strings.Fields(line)
		if len(columns) != len(c.fields) {
			return nil, fmt.Errorf("line %d: expected %d columns, got %d", c.line, len(c.fields), len(columns))
		}
		frame := &Frame{Step: c.step, Fields: make(map[string]float64, len(columns))}
		for i, col := range columns {
			v, err := strconv.ParseFloat(col, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: column %s: %w", c.line, c.fields[i], err)
			}
			frame.Fields[c.fields[i]] = v
		}
		frame.Time = frame.Fields[c.fields[0]]
		c.step++
		return frame, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// XYZReader reads multi-frame XYZ files: an atom count line, a comment line, then one
// "element x y z" line per atom.
type XYZReader struct {
	scanner *bufio.Scanner
	line    int
	step    int
}

var _ Reader = &XYZReader{}

func NewXYZReader(r io.Reader) *XYZReader {
	return &XYZReader{scanner: newScanner(r)}
}

func (x *XYZReader) nextLine() (string, bool) {
	if !x.scanner.Scan() {
		return "", false
	}
	x.line++
	return x.scanner.Text(), true
}

func (x *XYZReader) Next() (*Frame, error) {
	var header string
	for {
		line, ok := x.nextLine()
		if !ok {
			if err := x.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		if header = strings.TrimSpace(line); header != "" {
			break
		}
	}

	n, err := strconv.Atoi(header)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("line %d: expected atom count, got %q", x.line, header)
	}
	if _, ok := x.nextLine(); !ok {
		return nil, fmt.Errorf("line %d: missing comment line", x.line)
	}

	frame := &Frame{Step: x.step, Time: float64(x.step), Positions: make([]bridge.Vector, n)}
	for i := 0; i < n; i++ {
		line, ok := x.nextLine()
		if !ok {
			return nil, fmt.Errorf("frame %d: expected %d atoms, got %d", x.step, n, i)
		}
		tokens := strings.Fields(line)
		if len(tokens) < 4 {
			return nil, fmt.Errorf("line %d: expected element and three coordinates", x.line)
		}
		for c := 0; c < 3; c++ {
			v, err := strconv.ParseFloat(tokens[1+c], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", x.line, err)
			}
			frame.Positions[i][c] = v
		}
	}
	x.step++
	return frame, nil
}
