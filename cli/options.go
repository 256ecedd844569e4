package cli

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/camsolve/camsolve/config"
)

// DefaultOptionsAction prints the default solve options.
func DefaultOptionsAction(c *cli.Context) error {
	return printJSON(c, config.Default())
}

// OptionsSchemaAction prints the json schema of option files.
func OptionsSchemaAction(c *cli.Context) error {
	return printJSON(c, config.Schema())
}

// CheckOptionsAction loads and validates an options file.
func CheckOptionsAction(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return errors.New("check takes exactly one options file")
	}
	path := c.Args().First()
	opts, err := config.Load(path)
	if err != nil {
		return err
	}
	newLogger(c).CDebugw(commandContext(c), "options valid", "path", path, "scene_scale", opts.SceneScale)
	printf(c.App.Writer, "%s is valid", path)
	return nil
}

func printJSON(c *cli.Context, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding json")
	}
	printf(c.App.Writer, "%s", data)
	return nil
}
