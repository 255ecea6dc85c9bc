package telegram

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrNotCommand = errors.New("not a command")

// Command is a parsed "/action key=value ..." line. Bare words are stored
// as arg1, arg2, ... in Params.
type Command struct {
	Action string
	Params map[string]string
}

// ParseCommand parses text. A "@botname" suffix on the action is dropped;
// values may be quoted with ' or ".
func ParseCommand(text string) (Command, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Command{}, ErrNotCommand
	}
	toks, err := tokenize(text[1:])
	if err != nil {
		return Command{}, err
	}
	if len(toks) == 0 {
		return Command{}, ErrNotCommand
	}
	action := toks[0]
	if at := strings.IndexByte(action, '@'); at >= 0 {
		action = action[:at]
	}
	action = strings.ToLower(action)
	if action == "" {
		return Command{}, ErrNotCommand
	}

	cmd := Command{Action: action, Params: map[string]string{}}
	pos := 0
	for _, t := range toks[1:] {
		if k, v, ok := strings.Cut(t, "="); ok && k != "" {
			cmd.Params[strings.ToLower(k)] = v
			continue
		}
		pos++
		cmd.Params["arg"+strconv.Itoa(pos)] = t
	}
	return cmd, nil
}

func tokenize(s string) ([]string, error) {
	var (
		out   []string
		buf   strings.Builder
		quote rune
		esc   bool
		have  bool
	)
	flush := func() {
		if have {
			out = append(out, buf.String())
			buf.Reset()
			have = false
		}
	}
	for _, ch := range s {
		switch {
		case esc:
			buf.WriteRune(ch)
			esc = false
		case ch == '\\':
			esc = true
			have = true
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				buf.WriteRune(ch)
			}
		case ch == '"' || ch == '\'':
			quote = ch
			have = true
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteRune(ch)
			have = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	flush()
	return out, nil
}
