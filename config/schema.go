package config

import (
	"github.com/invopop/jsonschema"
)

// Schema describes the option file format. Every option is optional and unknown options are
// rejected.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	s := r.Reflect(&Options{})
	s.Title = "camsolve solve options"
	return s
}
