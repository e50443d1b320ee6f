package cmdctx

import (
	"fmt"
	"strings"
)

// UnknownVariableError is returned by Render for a reference no layer defines.
type UnknownVariableError struct {
	Name string
}

func (e *UnknownVariableError) Error() string {
	return fmt.Sprintf("unknown context variable %q", e.Name)
}

// Render expands %(name)s references in command using c.
// "%%" renders a literal percent sign; any other '%' is copied unchanged.
func Render(command string, c *Chain) (string, error) {
	var b strings.Builder
	b.Grow(len(command))

	for i := 0; i < len(command); i++ {
		ch := command[i]
		if ch != '%' || i+1 >= len(command) {
			b.WriteByte(ch)
			continue
		}
		switch command[i+1] {
		case '%':
			b.WriteByte('%')
			i++
		case '(':
			end := strings.Index(command[i+2:], ")")
			if end < 0 || i+2+end+1 >= len(command) || command[i+2+end+1] != 's' {
				return "", fmt.Errorf("malformed context reference at offset %d in %q", i, command)
			}
			name := strings.TrimSpace(command[i+2 : i+2+end])
			v, ok := c.Resolve(name)
			if !ok {
				return "", &UnknownVariableError{Name: name}
			}
			b.WriteString(v)
			i += 2 + end + 1
		default:
			b.WriteByte(ch)
		}
	}
	return b.String(), nil
}
