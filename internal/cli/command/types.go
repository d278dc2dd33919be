package command

import (
	"fmt"
	"strconv"
	"strings"

	"arena/pkg/protocol/wire"
)

// Command defines a shell command.
type Command struct {
	Name  string
	Usage string
	Help  string
	// MinArgs and MaxArgs bound the positional arguments; MaxArgs < 0 means
	// unbounded.
	MinArgs int
	MaxArgs int
}

// Check validates the number of positional arguments.
func (c Command) Check(args []string) error {
	if len(args) < c.MinArgs || (c.MaxArgs >= 0 && len(args) > c.MaxArgs) {
		return fmt.Errorf("usage: %s", c.Usage)
	}
	return nil
}

// Params holds key=value options.
type Params map[string]string

func (p Params) Get(key string) string {
	return p[strings.ToLower(key)]
}

func (p Params) Set(key, value string) {
	p[strings.ToLower(key)] = value
}

func (p Params) Has(key string) bool {
	_, ok := p[strings.ToLower(key)]
	return ok
}

// SplitParams separates key=value options from positional arguments.
func SplitParams(tokens []string) ([]string, Params) {
	params := Params{}
	var args []string
	for _, token := range tokens {
		parts := strings.SplitN(token, "=", 2)
		if len(parts) == 2 && parts[0] != "" && !strings.HasPrefix(parts[0], "[") {
			params.Set(parts[0], parts[1])
			continue
		}
		args = append(args, token)
	}
	return args, params
}

func ParseInt64(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}

func ParseInt(value string) (int, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 32)
	return int(n), err
}

func ParseStringList(value string) []string {
	raw := strings.Split(value, ",")
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}

func ParseIntList(value string) ([]int, error) {
	items := ParseStringList(value)
	result := make([]int, 0, len(items))
	for _, item := range items {
		n, err := ParseInt(item)
		if err != nil {
			return nil, fmt.Errorf("invalid int list value: %w", err)
		}
		result = append(result, n)
	}
	return result, nil
}

// ParseValue parses an argument literal: an integer, or a bracketed,
// comma-separated list of literals such as [1,[2,3],[]].
func ParseValue(value string) (wire.Value, error) {
	p := valueParser{s: strings.TrimSpace(value)}
	v, err := p.parse()
	if err != nil {
		return wire.Value{}, err
	}
	if p.pos != len(p.s) {
		return wire.Value{}, fmt.Errorf("unexpected %q after value", p.s[p.pos:])
	}
	return v, nil
}

type valueParser struct {
	s   string
	pos int
}

func (p *valueParser) parse() (wire.Value, error) {
	p.skipSpace()
	if p.pos < len(p.s) && p.s[p.pos] == '[' {
		return p.parseArray()
	}
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] != ',' && p.s[p.pos] != ']' {
		p.pos++
	}
	n, err := ParseInt64(p.s[start:p.pos])
	if err != nil {
		return wire.Value{}, fmt.Errorf("invalid integer %q", strings.TrimSpace(p.s[start:p.pos]))
	}
	return wire.Scalar(n), nil
}

func (p *valueParser) parseArray() (wire.Value, error) {
	p.pos++
	var elems []wire.Value
	p.skipSpace()
	if p.pos < len(p.s) && p.s[p.pos] == ']' {
		p.pos++
		return wire.Array(), nil
	}
	for {
		elem, err := p.parse()
		if err != nil {
			return wire.Value{}, err
		}
		elems = append(elems, elem)
		p.skipSpace()
		if p.pos >= len(p.s) {
			return wire.Value{}, fmt.Errorf("unterminated list")
		}
		switch p.s[p.pos] {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return wire.Array(elems...), nil
		default:
			return wire.Value{}, fmt.Errorf("unexpected %q in list", p.s[p.pos])
		}
	}
}

func (p *valueParser) skipSpace() {
	for p.pos < len(p.s) && p.s[p.pos] == ' ' {
		p.pos++
	}
}
