package config

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/pkg/errors"
	"github.com/tidwall/jsonc"
)

// JSONC is a kong configuration loader accepting JSON with comments and
// trailing commas. Keys are flag names, eg. {"chunk-size": 65536}.
func JSONC(r io.Reader) (kong.Resolver, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read configuration")
	}
	var values map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &values); err != nil {
		return nil, errors.Wrap(err, "cannot decode configuration")
	}
	// kong looks flags up by their snake_case name
	keys := make(map[string]any, len(values))
	for k, v := range values {
		keys[strings.ReplaceAll(k, "-", "_")] = v
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return nil, errors.Wrap(err, "cannot encode configuration")
	}
	return kong.JSON(bytes.NewReader(raw))
}
