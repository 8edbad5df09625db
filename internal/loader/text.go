package loader

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"keepaway/internal/domain"
)

type blockState struct {
	spec                              domain.AgentSpec
	hasOp, hasTest, hasTrue, hasFalse bool
}

// ParseText reads the puzzle block format:
//
//	Monkey 0:
//	  Starting items: 79, 98
//	  Operation: new = old * 19
//	  Test: divisible by 23
//	    If true: throw to monkey 2
//	    If false: throw to monkey 3
//
// Blocks are separated by blank lines. "Agent N:" headers are accepted too.
func ParseText(r io.Reader) ([]domain.AgentSpec, error) {
	var (
		out     []domain.AgentSpec
		current *blockState
		lineNo  int
	)
	finish := func() error {
		if current == nil {
			return nil
		}
		if !current.hasOp || !current.hasTest || !current.hasTrue || !current.hasFalse {
			return fmt.Errorf("%w: agent %d is incomplete", ErrParse, current.spec.ID)
		}
		out = append(out, current.spec)
		current = nil
		return nil
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			if err := finish(); err != nil {
				return nil, err
			}
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: line %d: missing ':'", ErrParse, lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if header, id, isHeader := parseHeader(key); isHeader {
			if err := finish(); err != nil {
				return nil, err
			}
			if id < 0 {
				return nil, fmt.Errorf("%w: line %d: bad %s header", ErrParse, lineNo, header)
			}
			current = &blockState{spec: domain.AgentSpec{ID: id}}
			continue
		}
		if current == nil {
			return nil, fmt.Errorf("%w: line %d: %q outside an agent block", ErrParse, lineNo, key)
		}

		var err error
		switch strings.ToLower(key) {
		case "starting items", "items":
			current.spec.Items, err = parseItems(value)
		case "operation":
			current.spec.Operation, err = domain.ParseOperation(value)
			current.hasOp = err == nil
		case "test":
			current.spec.Classifier.Divisor, err = parseLastUint(value)
			current.hasTest = err == nil
		case "if true":
			current.spec.Classifier.IfDivisible, err = parseLastInt(value)
			current.hasTrue = err == nil
		case "if false":
			current.spec.Classifier.IfNot, err = parseLastInt(value)
			current.hasFalse = err == nil
		default:
			err = fmt.Errorf("unknown key %q", key)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrParse, lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read agent definitions: %w", err)
	}
	if err := finish(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoAgents
	}
	return out, nil
}

func parseHeader(key string) (string, int, bool) {
	fields := strings.Fields(key)
	if len(fields) != 2 {
		return "", 0, false
	}
	name := strings.ToLower(fields[0])
	if name != "monkey" && name != "agent" {
		return "", 0, false
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil || id < 0 {
		return fields[0], -1, true
	}
	return fields[0], id, true
}

func parseItems(value string) ([]uint64, error) {
	if value == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	items := make([]uint64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("item %q: %w", p, err)
		}
		items = append(items, v)
	}
	return items, nil
}

func parseLastUint(value string) (uint64, error) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, fmt.Errorf("missing number")
	}
	return strconv.ParseUint(fields[len(fields)-1], 10, 64)
}

func parseLastInt(value string) (int, error) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, fmt.Errorf("missing agent id")
	}
	return strconv.Atoi(fields[len(fields)-1])
}
