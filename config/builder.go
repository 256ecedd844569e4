package config

import (
	"sort"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// Builder collects option settings by key and decodes them over the defaults.
type Builder struct {
	settings map[string]interface{}
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{settings: map[string]interface{}{}}
}

// Set records one setting. Later settings of a key replace earlier ones.
func (b *Builder) Set(key string, value interface{}) *Builder {
	b.settings[key] = value
	return b
}

// SetAll records every setting of m.
func (b *Builder) SetAll(m map[string]interface{}) *Builder {
	for k, v := range m {
		b.settings[k] = v
	}
	return b
}

// Keys lists the recorded setting keys in order.
func (b *Builder) Keys() []string {
	keys := make([]string, 0, len(b.settings))
	for k := range b.settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Build decodes the settings over Default and validates the result. Unknown keys and values of
// the wrong type are errors; numbers and booleans may be given as strings.
func (b *Builder) Build() (Options, error) {
	opts := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.TextUnmarshallerHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return Options{}, err
	}
	if err := decoder.Decode(b.settings); err != nil {
		return Options{}, errors.Wrap(err, "decoding options")
	}
	if err := opts.Validate(""); err != nil {
		return Options{}, err
	}
	return opts, nil
}
