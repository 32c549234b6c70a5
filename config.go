// Completion: 100% - Utility module complete
package surgelink

import "github.com/xyproto/env/v2"

// VerboseMode enables tracing of extraction and patching to stderr.
// Controlled by the SURGELINK_VERBOSE environment variable.
var VerboseMode = env.Bool("SURGELINK_VERBOSE")

// cacheDirOverride, when non-empty, replaces the default per-host-binary
// cache directory. Controlled by SURGELINK_CACHE_DIR.
var cacheDirOverride = env.Str("SURGELINK_CACHE_DIR", "")
