package backend

import (
	"github.com/mitchellh/mapstructure"
)

// decodeConfig decodes a raw descriptor config into a typed config struct,
// accepting duration strings like "250ms".
func decodeConfig(conf map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(conf)
}
