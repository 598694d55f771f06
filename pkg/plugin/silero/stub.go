//go:build !silero

package silero

import (
	"fmt"

	"github.com/voiceloop/voiceloop/pkg/plugin"
)

func init() {
	plugin.Register(&plugin.Plugin{
		Kind:        plugin.KindVAD,
		Name:        "silero",
		Description: "Silero VAD (disabled, build with -tags=silero to enable)",
		Factory: func(cfg map[string]any) (any, error) {
			return nil, fmt.Errorf("silero VAD not available (build with -tags=silero)")
		},
	})
}
