package adapter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
)

// BuildArgs composes the final argv for a native process launch: the
// adapter's own base flags followed by the model's free-form
// additional_parameters string, POSIX-tokenized. A string with
// unbalanced quotes cannot be tokenized; rather than fail the launch,
// it is split on whitespace and a warning logged, matching how the
// reference CLI wrapper tolerates malformed operator input.
func BuildArgs(base []string, additionalParameters string, log zerolog.Logger) []string {
	args := append([]string{}, base...)
	trimmed := strings.TrimSpace(additionalParameters)
	if trimmed == "" {
		return args
	}

	tokens, err := shellquote.Split(trimmed)
	if err != nil {
		log.Warn().Err(err).Str("additional_parameters", trimmed).
			Msg("could not tokenize additional_parameters as POSIX shell words, falling back to whitespace split")
		tokens = strings.Fields(trimmed)
	}
	return append(args, tokens...)
}

// ParameterArgs turns a model's framework-specific parameters map into
// `--flag value` argv pairs, sorted by key for a deterministic command
// line. Keys named in skip (typically "port", already bound by the
// caller to a concrete listen address) are omitted; every other key,
// known or not, is forwarded opaquely per the discriminated-union
// design note — an underscore in the key becomes a flag dash.
func ParameterArgs(params map[string]any, skip ...string) []string {
	if len(params) == 0 {
		return nil
	}
	skipped := make(map[string]bool, len(skip))
	for _, k := range skip {
		skipped[k] = true
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		if !skipped[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		flag := "--" + strings.ReplaceAll(k, "_", "-")
		args = append(args, flag, fmt.Sprint(params[k]))
	}
	return args
}
