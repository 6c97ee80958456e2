// Package patch applies and generates positional edits against a text
// buffer.
//
// A patch addresses either a line ("/lines/N") or a rune offset in the whole
// buffer ("/offset/N"). "/lines/-" and "/offset/-" address the end. Lines are
// separated by "\n".
//
// Apply is total: it never panics and never returns an error. Out-of-range
// positions are clamped for add and update, and make remove and replace a
// no-op. Unknown ops and unparsable paths are ignored.
//
// Within one batch patches are applied in descending position order (ties in
// batch order). When a batch uses a single addressing mode every position
// refers to the buffer as it was before the batch. A batch that mixes line
// and offset patches is ordered on the raw numbers of both modes, and each
// patch sees the buffer as left by the previous one, so an offset patch that
// inserts "\n" shifts the lines of every line patch applied after it. Clients
// that expect sequential semantics must send one patch per batch.
package patch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"

	difflib "github.com/pmezard/go-difflib/difflib"
)

// Op is a patch operation.
type Op string

const (
	OpAdd     Op = "add"
	OpRemove  Op = "remove"
	OpReplace Op = "replace"
	OpUpdate  Op = "update"
)

// Patch is a single positional edit.
type Patch struct {
	Op    Op     `json:"op"`
	Path  string `json:"path"`
	Value Value  `json:"value"`
	// Start and End bound the rune range replaced by an update.
	Start int `json:"start,omitempty"`
	End   int `json:"end,omitempty"`
}

// Value carries either text (add, replace, update) or a unit count (remove).
// On the wire it is a JSON string or number.
type Value struct {
	Text    string
	Count   int
	isCount bool
}

// Text returns a textual Value.
func Text(s string) Value { return Value{Text: s} }

// Count returns a numeric Value.
func Count(n int) Value { return Value{Text: strconv.Itoa(n), Count: n, isCount: true} }

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.isCount {
		return []byte(strconv.Itoa(v.Count)), nil
	}
	return json.Marshal(v.Text)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*v = Value{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Text(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("patch value must be a string or number: %w", err)
	}
	*v = Value{Text: string(data), Count: int(f), isCount: true}
	return nil
}

// removeCount is the number of units a remove deletes; at least one.
func (v Value) removeCount() int {
	if v.isCount && v.Count > 0 {
		return v.Count
	}
	return 1
}

// LinePath returns the path addressing line n.
func LinePath(n int) string { return "/lines/" + strconv.Itoa(n) }

// OffsetPath returns the path addressing rune offset n.
func OffsetPath(n int) string { return "/offset/" + strconv.Itoa(n) }

// Add inserts text as a new line before line n.
func Add(line int, text string) Patch {
	return Patch{Op: OpAdd, Path: LinePath(line), Value: Text(text)}
}

// Remove deletes count lines starting at line n.
func Remove(line, count int) Patch {
	return Patch{Op: OpRemove, Path: LinePath(line), Value: Count(count)}
}

// Replace substitutes line n.
func Replace(line int, text string) Patch {
	return Patch{Op: OpReplace, Path: LinePath(line), Value: Text(text)}
}

// Update substitutes runes [start,end) of line n.
func Update(line, start, end int, text string) Patch {
	return Patch{Op: OpUpdate, Path: LinePath(line), Value: Text(text), Start: start, End: end}
}

type mode int

const (
	lineMode mode = iota
	offsetMode
)

const endPos = math.MaxInt32

// locate parses a patch path into an addressing mode and position.
func locate(p string) (mode, int, bool) {
	parts := strings.Split(strings.Trim(strings.TrimSpace(p), "/"), "/")
	var m mode
	var raw string
	switch len(parts) {
	case 1:
		m, raw = lineMode, parts[0]
	case 2:
		switch parts[0] {
		case "lines", "line":
			m = lineMode
		case "offset", "offsets", "chars":
			m = offsetMode
		default:
			return 0, 0, false
		}
		raw = parts[1]
	default:
		return 0, 0, false
	}
	if raw == "-" {
		return m, endPos, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, 0, false
	}
	return m, n, true
}

type located struct {
	Patch
	mode mode
	pos  int
}

// Apply returns content with patches applied. See the package documentation
// for ordering and range policy.
func Apply(content string, patches []Patch) string {
	if len(patches) == 0 {
		return content
	}

	batch := make([]located, 0, len(patches))
	for _, p := range patches {
		m, pos, ok := locate(p.Path)
		if !ok {
			continue
		}
		batch = append(batch, located{Patch: p, mode: m, pos: pos})
	}
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].pos > batch[j].pos })

	b := &buffer{text: content}
	for _, p := range batch {
		if p.mode == offsetMode {
			b.applyOffset(p)
		} else {
			b.applyLine(p)
		}
	}
	return b.String()
}

const (
	stateText = iota
	stateLines
	stateRunes
)

// buffer holds the content in whichever form the last patch needed, so runs
// of line patches split the text only once.
type buffer struct {
	text  string
	lines []string
	runes []rune
	state int
}

func (b *buffer) String() string {
	switch b.state {
	case stateLines:
		return strings.Join(b.lines, "\n")
	case stateRunes:
		return string(b.runes)
	}
	return b.text
}

func (b *buffer) lineView() []string {
	if b.state != stateLines {
		b.lines = strings.Split(b.String(), "\n")
		b.state = stateLines
	}
	return b.lines
}

func (b *buffer) runeView() []rune {
	if b.state != stateRunes {
		b.runes = []rune(b.String())
		b.state = stateRunes
	}
	return b.runes
}

func (b *buffer) applyLine(p located) {
	lines := b.lineView()
	n := len(lines)
	switch p.Op {
	case OpAdd:
		lines = slices.Insert(lines, clamp(p.pos, 0, n), p.Value.Text)
	case OpRemove:
		if p.pos < 0 || p.pos >= n {
			return
		}
		end := min(p.pos+p.Value.removeCount(), n)
		lines = slices.Delete(lines, p.pos, end)
	case OpReplace:
		if p.pos < 0 || p.pos >= n {
			return
		}
		lines[p.pos] = p.Value.Text
	case OpUpdate:
		if p.pos < 0 || p.pos >= n {
			return
		}
		r := []rune(lines[p.pos])
		s, e := span(p.Start, p.End, len(r))
		lines[p.pos] = string(r[:s]) + p.Value.Text + string(r[e:])
	}
	b.lines = lines
}

func (b *buffer) applyOffset(p located) {
	runes := b.runeView()
	n := len(runes)
	switch p.Op {
	case OpAdd:
		runes = slices.Insert(runes, clamp(p.pos, 0, n), []rune(p.Value.Text)...)
	case OpRemove:
		if p.pos < 0 || p.pos >= n {
			return
		}
		end := min(p.pos+p.Value.removeCount(), n)
		runes = slices.Delete(runes, p.pos, end)
	case OpReplace:
		if p.pos < 0 || p.pos >= n {
			return
		}
		runes = slices.Replace(runes, p.pos, p.pos+1, []rune(p.Value.Text)...)
	case OpUpdate:
		base := clamp(p.pos, 0, n)
		s, e := span(base+p.Start, base+p.End, n)
		runes = slices.Replace(runes, s, e, []rune(p.Value.Text)...)
	}
	b.runes = runes
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// span clamps [start,end) into [0,n] and orders it.
func span(start, end, n int) (int, int) {
	start, end = clamp(start, 0, n), clamp(end, 0, n)
	if start > end {
		start, end = end, start
	}
	return start, end
}

// Generate returns a line-oriented patch set that turns old into new:
// Apply(old, Generate(old, new)) == new. Minimality is not guaranteed.
func Generate(old, new string) []Patch {
	if old == new {
		return nil
	}
	a := strings.Split(old, "\n")
	b := strings.Split(new, "\n")

	var out []Patch
	for _, op := range difflib.NewMatcher(a, b).GetOpCodes() {
		switch op.Tag {
		case 'r':
			if op.I2-op.I1 == op.J2-op.J1 {
				for k := 0; k < op.I2-op.I1; k++ {
					out = append(out, Replace(op.I1+k, b[op.J1+k]))
				}
				continue
			}
			// Same position: the remove must precede the add in batch order.
			out = append(out,
				Remove(op.I1, op.I2-op.I1),
				Add(op.I1, strings.Join(b[op.J1:op.J2], "\n")))
		case 'd':
			out = append(out, Remove(op.I1, op.I2-op.I1))
		case 'i':
			out = append(out, Add(op.I1, strings.Join(b[op.J1:op.J2], "\n")))
		}
	}
	return out
}
