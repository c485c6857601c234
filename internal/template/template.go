// Package template renders %(NAME)s style submission templates.
//
// A placeholder is %(NAME)c where c is one of s, d, i or f. %% is a literal
// percent sign, any other % is copied as is so scheduler directives like
// %j survive. Rendering fails on placeholders missing from the descriptor
// rather than producing a script which submits but does not work.
package template

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/Launcher/internal/command"
	"github.com/CZERTAINLY/Launcher/internal/model"
)

type MissingPlaceholderError struct {
	Name string
}

func (e *MissingPlaceholderError) Error() string {
	return fmt.Sprintf("template references %%(%s) which is not in the descriptor", e.Name)
}

func (e *MissingPlaceholderError) Unwrap() error {
	return model.ErrMissingPlaceholder
}

// Placeholders returns the names referenced by tpl in order of appearance.
func Placeholders(tpl string) ([]string, error) {
	var names []string
	err := walk(tpl, func(string) {}, func(name string, _ byte) error {
		names = append(names, name)
		return nil
	})
	return names, err
}

// Render substitutes placeholders of tpl with values of desc.
func Render(tpl string, desc model.Descriptor) (string, error) {
	return render(tpl, desc, false)
}

// RenderShell is Render for one line commands: string values are shell quoted.
func RenderShell(tpl string, desc model.Descriptor) (string, error) {
	return render(tpl, desc, true)
}

func render(tpl string, desc model.Descriptor, quote bool) (string, error) {
	var sb strings.Builder
	sb.Grow(len(tpl))
	err := walk(tpl, func(lit string) {
		sb.WriteString(lit)
	}, func(name string, conv byte) error {
		v, ok := desc[name]
		if !ok {
			return &MissingPlaceholderError{Name: name}
		}
		s, err := format(v, conv)
		if err != nil {
			return fmt.Errorf("%%(%s)%c: %w", name, conv, err)
		}
		if quote && conv == 's' {
			s = command.Quote(s)
		}
		sb.WriteString(s)
		return nil
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

func walk(tpl string, literal func(string), placeholder func(name string, conv byte) error) error {
	for {
		i := strings.IndexByte(tpl, '%')
		if i < 0 || i == len(tpl)-1 {
			literal(tpl)
			return nil
		}
		literal(tpl[:i])
		switch tpl[i+1] {
		case '%':
			literal("%")
			tpl = tpl[i+2:]
		case '(':
			end := strings.IndexByte(tpl[i+2:], ')')
			if end < 0 {
				return fmt.Errorf("%w: unterminated %%( at offset %d", model.ErrMalformedTemplate, i)
			}
			name := tpl[i+2 : i+2+end]
			rest := tpl[i+2+end+1:]
			if name == "" || rest == "" || !strings.ContainsRune("sdif", rune(rest[0])) {
				return fmt.Errorf("%w: bad placeholder at offset %d", model.ErrMalformedTemplate, i)
			}
			if err := placeholder(name, rest[0]); err != nil {
				return err
			}
			tpl = rest[1:]
		default:
			literal("%")
			tpl = tpl[i+1:]
		}
	}
}

func format(v any, conv byte) (string, error) {
	switch conv {
	case 'd', 'i':
		n, err := integer(v)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil
	case 'f':
		f, err := float(v)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(f, 'f', 6, 64), nil
	default:
		return fmt.Sprint(v), nil
	}
}

func integer(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, model.ErrBadValue
		}
		return int64(x), nil
	case float32:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer", model.ErrBadValue, x)
		}
		return n, nil
	default:
		return integer(fmt.Sprint(v))
	}
}

func float(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", model.ErrBadValue, x)
		}
		return f, nil
	default:
		n, err := integer(v)
		return float64(n), err
	}
}

// Persist writes text into path followed by two line ends, creating the
// parent directories. An existing file is truncated.
func Persist(text, path string) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating script %s: %w", path, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	if _, err := f.WriteString(text + "\n\n"); err != nil {
		return fmt.Errorf("writing script %s: %w", path, err)
	}
	return nil
}
