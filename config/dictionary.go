// Package config reads the string-keyed dictionaries that select and
// parameterize the distribution kernels and the coupling run.
package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ErrMissingKey is returned by lookups of absent keys without a default.
var ErrMissingKey = errors.New("config: missing key")

// Decoder is implemented by the yaml and toml decoders
type Decoder interface {
	Decode(v any) error
}

// DecoderFunc creates a Decoder reading r
type DecoderFunc func(r io.Reader) Decoder

// NewDecoderFunc returns a DecoderFunc for a specific Decoder type
func NewDecoderFunc[T Decoder](f func(r io.Reader) T) DecoderFunc {
	return func(r io.Reader) Decoder { return f(r) }
}

var decoders = map[string]DecoderFunc{
	"yaml": NewDecoderFunc(yaml.NewDecoder),
	"toml": NewDecoderFunc(toml.NewDecoder),
}

// Dictionary is a nested string-keyed configuration dictionary. The zero
// value is an empty dictionary.
type Dictionary struct {
	name   string
	values map[string]any
}

// New wraps values; name prefixes error messages, e.g. "gaussianProps".
func New(name string, values map[string]any) *Dictionary {
	if values == nil {
		values = map[string]any{}
	}
	return &Dictionary{name: name, values: values}
}

// Load reads a .yaml, .yml or .toml file.
func Load(path string) (*Dictionary, error) {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if format == "yml" {
		format = "yaml"
	}
	if _, ok := decoders[format]; !ok {
		return nil, fmt.Errorf("load %s: unsupported format %q", path, format)
	}
	fp, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	defer fp.Close()
	d, err := Read(bufio.NewReader(fp), format)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	d.name = filepath.Base(path)
	return d, nil
}

// Parse decodes data in format "yaml" or "toml".
func Parse(data []byte, format string) (*Dictionary, error) {
	return Read(bytes.NewReader(data), format)
}

// Read decodes one document from r in format "yaml" or "toml".
func Read(r io.Reader, format string) (*Dictionary, error) {
	f, ok := decoders[format]
	if !ok {
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	values := map[string]any{}
	if err := f(r).Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}
	return New("", values), nil
}

// Name returns the dictionary name used in error messages.
func (d *Dictionary) Name() string { return d.name }

// Keys returns the keys in sorted order.
func (d *Dictionary) Keys() []string {
	keys := make([]string, 0, len(d.values))
	for k := range d.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key is present.
func (d *Dictionary) Has(key string) bool {
	_, ok := d.values[key]
	return ok
}

// Set stores v under key.
func (d *Dictionary) Set(key string, v any) {
	if d.values == nil {
		d.values = map[string]any{}
	}
	d.values[key] = v
}

func (d *Dictionary) lookup(key string) (any, error) {
	v, ok := d.values[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w %q", d.where(), ErrMissingKey, key)
	}
	return v, nil
}

func (d *Dictionary) where() string {
	if d.name == "" {
		return "dictionary"
	}
	return "dictionary " + d.name
}

func (d *Dictionary) typeError(key string, v any, want string) error {
	return fmt.Errorf("%s: key %q is %T, want %s", d.where(), key, v, want)
}

// String returns the string at key.
func (d *Dictionary) String(key string) (string, error) {
	v, err := d.lookup(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", d.typeError(key, v, "string")
	}
	return s, nil
}

// Float returns the number at key. Integers are converted.
func (d *Dictionary) Float(key string) (float64, error) {
	v, err := d.lookup(key)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	}
	return 0, d.typeError(key, v, "number")
}

// Int returns the integer at key. A float with an integral value is
// accepted.
func (d *Dictionary) Int(key string) (int, error) {
	v, err := d.lookup(key)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case uint64:
		return int(x), nil
	case float64:
		if x == math.Trunc(x) {
			return int(x), nil
		}
	}
	return 0, d.typeError(key, v, "integer")
}

// Bool returns the boolean at key.
func (d *Dictionary) Bool(key string) (bool, error) {
	v, err := d.lookup(key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, d.typeError(key, v, "bool")
	}
	return b, nil
}

// Sub returns the sub-dictionary at key.
func (d *Dictionary) Sub(key string) (*Dictionary, error) {
	v, err := d.lookup(key)
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case map[string]any:
		return New(key, x), nil
	case map[any]any:
		values := make(map[string]any, len(x))
		for k, e := range x {
			values[fmt.Sprint(k)] = e
		}
		return New(key, values), nil
	}
	return nil, d.typeError(key, v, "dictionary")
}

// StringOr returns the string at key, or def when key is absent.
func (d *Dictionary) StringOr(key, def string) (string, error) {
	if !d.Has(key) {
		return def, nil
	}
	return d.String(key)
}

// FloatOr returns the number at key, or def when key is absent.
func (d *Dictionary) FloatOr(key string, def float64) (float64, error) {
	if !d.Has(key) {
		return def, nil
	}
	return d.Float(key)
}

// IntOr returns the integer at key, or def when key is absent.
func (d *Dictionary) IntOr(key string, def int) (int, error) {
	if !d.Has(key) {
		return def, nil
	}
	return d.Int(key)
}

// BoolOr returns the boolean at key, or def when key is absent.
func (d *Dictionary) BoolOr(key string, def bool) (bool, error) {
	if !d.Has(key) {
		return def, nil
	}
	return d.Bool(key)
}

// SubOr returns the sub-dictionary at key, or an empty one named key when
// key is absent.
func (d *Dictionary) SubOr(key string) (*Dictionary, error) {
	if !d.Has(key) {
		return New(key, nil), nil
	}
	return d.Sub(key)
}
