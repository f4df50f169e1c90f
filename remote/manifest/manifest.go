// Package manifest reads and writes pure/filelist.txt, the flat index
// of every virtual path committed into the canonical repository
// (appended to on commit, rewritten on delete and rename). The format mirrors Python's csv.writer with
// delimiter=' ' and quotechar='|': encoding/csv cannot reproduce it
// since Go's csv package hardcodes '"' as the quote character, so this
// package hand-rolls the minimal-quoting codec instead.
package manifest

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	delimiter      = ' '
	quote          = '|'
	lineTerminator = "\r\n"
)

// Record is one row of the manifest: a virtual path, the branch that
// holds its blob, and the file's size in bytes at the time it was
// recorded.
type Record struct {
	Path   string
	Branch string
	Size   int64
}

// Encode renders a single record the way csv.writer(delimiter=' ',
// quotechar='|', quoting=csv.QUOTE_MINIMAL) would, terminated by \r\n.
func Encode(r Record) string {
	fields := []string{r.Path, r.Branch, strconv.FormatInt(r.Size, 10)}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = quoteField(f)
	}
	return strings.Join(quoted, string(delimiter)) + lineTerminator
}

func needsQuoting(field string) bool {
	return strings.ContainsRune(field, delimiter) ||
		strings.ContainsRune(field, quote) ||
		strings.ContainsAny(field, "\r\n")
}

func quoteField(field string) string {
	if !needsQuoting(field) {
		return field
	}
	escaped := strings.ReplaceAll(field, string(quote), string(quote)+string(quote))
	return string(quote) + escaped + string(quote)
}

// Append writes r to w in manifest format. Callers are responsible for
// opening the file in append mode, matching the original's
// open(path, 'a') idiom.
func Append(w io.Writer, r Record) error {
	_, err := io.WriteString(w, Encode(r))
	return errors.Wrap(err, "append manifest record")
}

// ReadAll parses every record out of r, skipping blank lines. It does
// not resolve git conflict markers; callers merging a freshly pulled
// manifest should run StripConflictMarkers first.
func ReadAll(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var records []Record
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields, err := splitLine(line)
		if err != nil {
			return nil, errors.Wrapf(err, "manifest line %d", lineNo)
		}
		if len(fields) > 3 {
			// Only the last two fields are positional; anything before
			// them is an unquoted path that contained spaces.
			path := strings.Join(fields[:len(fields)-2], string(delimiter))
			fields = append([]string{path}, fields[len(fields)-2:]...)
		}
		if len(fields) != 3 {
			return nil, errors.Errorf("manifest line %d: expected 3 fields, got %d", lineNo, len(fields))
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "manifest line %d: size %q", lineNo, fields[2])
		}
		records = append(records, Record{Path: fields[0], Branch: fields[1], Size: size})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan manifest")
	}
	return records, nil
}

// splitLine parses one manifest line into its delimiter-separated,
// possibly quote-wrapped fields, honoring a doubled quote character as
// an escaped literal quote.
func splitLine(line string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	runes := []rune(line)

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case inQuotes && c == quote:
			if i+1 < len(runes) && runes[i+1] == quote {
				cur.WriteRune(quote)
				i++
			} else {
				inQuotes = false
			}
		case inQuotes:
			cur.WriteRune(c)
		case c == quote && cur.Len() == 0:
			inQuotes = true
		case c == delimiter:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}
	if inQuotes {
		return nil, errors.New("unterminated quoted field")
	}
	fields = append(fields, cur.String())
	return fields, nil
}

// StripConflictMarkers removes git conflict marker lines from raw
// manifest text, implementing the additive-only merge strategy: both
// sides' appended rows are kept, and only the marker lines themselves
// (<<<<<<<, =======, >>>>>>>) are dropped.
func StripConflictMarkers(raw string) string {
	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		if strings.HasPrefix(trimmed, "<<<<<<<") ||
			strings.HasPrefix(trimmed, "=======") ||
			strings.HasPrefix(trimmed, ">>>>>>>") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
