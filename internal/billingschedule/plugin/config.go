// Package plugin implements the built-in billing schedule strategies and
// proraters, resolved by id through a Registry at construction time.
package plugin

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
)

// decodeConfig unmarshals a schedule's JSON config map into a typed struct.
func decodeConfig(cfg datatypes.JSONMap, out any) error {
	raw, err := json.Marshal(map[string]any(cfg))
	if err != nil {
		return fmt.Errorf("encode plugin config: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode plugin config: %w", err)
	}
	return nil
}
