package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"reelcast/internal/types"
)

type randrOutput struct {
	Name         string      `json:"name"`
	Enabled      bool        `json:"enabled"`
	PhysicalSize *types.Size `json:"physical_size"`
	Modes        []struct {
		Width   int  `json:"width"`
		Height  int  `json:"height"`
		Current bool `json:"current"`
	} `json:"modes"`
	Position  types.Point `json:"position"`
	Transform string      `json:"transform"`
	Scale     float64     `json:"scale"`
}

// ParseWlrRandr decodes `wlr-randr --json` output. Disabled outputs and
// outputs without a current mode are skipped.
func ParseWlrRandr(data []byte) ([]types.ScreenInfo, error) {
	var outputs []randrOutput
	if err := json.Unmarshal(data, &outputs); err != nil {
		return nil, fmt.Errorf("parse wlr-randr output: %w", err)
	}
	var screens []types.ScreenInfo
	for _, o := range outputs {
		if !o.Enabled {
			continue
		}
		for _, m := range o.Modes {
			if !m.Current {
				continue
			}
			tr, err := types.ParseTransform(o.Transform)
			if err != nil {
				return nil, fmt.Errorf("output %s: %w", o.Name, err)
			}
			scale := o.Scale
			if scale <= 0 {
				scale = 1
			}
			screens = append(screens, types.ScreenInfo{
				Name:           o.Name,
				LogicalSize:    types.Size{Width: m.Width, Height: m.Height},
				PhysicalSizeMM: o.PhysicalSize,
				Position:       o.Position,
				Transform:      tr,
				ScaleFactor:    scale,
			})
			break
		}
	}
	return screens, nil
}

// listWlrRandr runs wlr-randr. Callers fall back to the protocol walk when
// the tool is missing.
func listWlrRandr() ([]types.ScreenInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "wlr-randr", "--json").Output()
	if err != nil {
		return nil, fmt.Errorf("wlr-randr: %w", err)
	}
	return ParseWlrRandr(out)
}
