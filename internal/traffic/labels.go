package traffic

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// ErrInvalidLabel is returned for label file lines that are not "<id> <name>".
var ErrInvalidLabel = errors.New("invalid label line")

// ParseLabels reads a label file: one "<id> <name>" pair per line, whitespace
// separated. Names may contain spaces. Blank lines are skipped and a repeated
// id overwrites the earlier name.
func ParseLabels(r io.Reader) (map[int]string, error) {
	labels := make(map[int]string)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sep := strings.IndexFunc(line, unicode.IsSpace)
		if sep == -1 {
			return nil, fmt.Errorf("line %d: %w: %q has no name", lineNo, ErrInvalidLabel, line)
		}
		id, err := strconv.Atoi(line[:sep])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w: bad id %q", lineNo, ErrInvalidLabel, line[:sep])
		}
		labels[id] = strings.TrimSpace(line[sep:])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return labels, nil
}

// LoadLabels reads and parses the label file at path.
func LoadLabels(path string) (map[int]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open label file: %w", err)
	}
	defer f.Close()

	labels, err := ParseLabels(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return labels, nil
}

var speedNumber = regexp.MustCompile(`\d+`)

// HandlerForName guesses the handler for a detector label name, e.g. "Red",
// "Person", "Speed 15" or "30 mph". The second return is false for names that
// do not describe a traffic object.
func HandlerForName(name string) (Handler, bool) {
	n := strings.ToLower(strings.TrimSpace(name))

	if strings.Contains(n, "speed") || strings.Contains(n, "mph") || strings.Contains(n, "limit") {
		if m := speedNumber.FindString(n); m != "" {
			limit, err := strconv.Atoi(m)
			if err == nil {
				return Handler{Kind: SpeedLimit, Limit: limit}, true
			}
		}
		return Handler{}, false
	}

	switch {
	case strings.Contains(n, "red"):
		return Handler{Kind: RedLight}, true
	case strings.Contains(n, "yellow"), strings.Contains(n, "amber"):
		return Handler{Kind: YellowLight}, true
	case strings.Contains(n, "green"):
		return Handler{Kind: GreenLight}, true
	case strings.Contains(n, "person"), strings.Contains(n, "pedestrian"):
		return Handler{Kind: Pedestrian}, true
	// "yeild" is how the original model's label file spells it
	case strings.Contains(n, "yield"), strings.Contains(n, "yeild"):
		return Handler{Kind: Yield}, true
	case strings.Contains(n, "stop"):
		return Handler{Kind: StopSign}, true
	}
	return Handler{}, false
}
