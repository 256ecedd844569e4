package cli

import (
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/camsolve/camsolve/trackio"
)

// ConvertAction rewrites a track file at another version.
func ConvertAction(c *cli.Context) error {
	in, out := c.Path(convertFlagIn), c.Path(convertFlagOut)
	same, err := samePath(in, out)
	if err != nil {
		return err
	}
	if same {
		return errors.Errorf("input and output are the same file %q", in)
	}
	file, err := trackio.ReadFile(in)
	if err != nil {
		return err
	}
	version := c.Int(convertFlagVersion)
	if version == 0 {
		version = trackio.LatestVersion
	}
	if err := trackio.WriteFile(out, file, version); err != nil {
		return errors.Wrapf(err, "writing %q", out)
	}
	newLogger(c).CDebugw(commandContext(c), "converted", "in", in, "from", file.Version, "out", out, "to", version)
	printf(c.App.Writer, "%d points converted from version %d to %d", len(file.Points), file.Version, version)
	return nil
}
