package artifacts

import _ "embed"

// DefaultConfig is the annotated default configuration written by init-config.
//
//go:embed defaults/config.yaml
var DefaultConfig []byte
