package config

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Load reads an option file and builds its options. The format follows the file extension:
// json, yaml or toml. Environment references such as ${SCENE_SCALE} are expanded before parsing.
func Load(path string) (Options, error) {
	buf, err := envsubst.ReadFile(path)
	if err != nil {
		return Options{}, errors.Wrapf(err, "reading options file %q", path)
	}
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		ext = "json"
	}
	v := viper.New()
	v.SetConfigType(ext)
	if err := v.ReadConfig(bytes.NewReader(buf)); err != nil {
		return Options{}, errors.Wrapf(err, "parsing options file %q", path)
	}
	return NewBuilder().SetAll(v.AllSettings()).Build()
}
