// Package overlay implements C8: composing a tool's effective argv
// from an image's entrypoint/cmd plus job-supplied positionals,
// kwargs, switches, and dependency paths, per §4.6's eight ordered
// build rules.
//
// Grounded on original_source's agent registry
// (agent/src/libs/agents/registry.rs), which builds the equivalent
// tool-invocation argument list on the agent side before exec; the Go
// port models the image's entrypoint/cmd with
// opencontainers/image-spec's ImageConfig shape.
package overlay

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/thorium-go/thorium/internal/domain"
)

// shellBasenames are the interpreter basenames §8/§4.6 step 2 rejects
// when they are the sole entrypoint element.
var shellBasenames = map[string]bool{"sh": true, "bash": true, "zsh": true}

// shellPrefixes are the directories a bare shell basename may be
// prefixed by and still count as "a shell path" (§4.6 step 2).
var shellPrefixes = []string{"", "/bin", "/usr/bin", "/usr/local/bin"}

// BuildEmptyOrShell reports whether built is empty, or is a single
// element whose cleaned path is one of the shell interpreters under
// one of the recognised prefixes (§8 property 8).
func BuildEmptyOrShell(built []string) bool {
	if len(built) == 0 {
		return true
	}
	if len(built) != 1 {
		return false
	}
	cleaned := filepath.Clean(built[0])
	for _, prefix := range shellPrefixes {
		for base := range shellBasenames {
			want := base
			if prefix != "" {
				want = prefix + "/" + base
			}
			if cleaned == want {
				return true
			}
		}
	}
	return false
}

// ResultsDependencyPaths groups the resolved result-dependency paths
// with an existence checker so the Map variant (§4.6 step 3) can test
// for a "<path>/<tool>" directory per candidate path. Exists defaults
// to os.Stat when nil.
type ResultsDependencyPaths struct {
	Paths  []string
	Exists func(path string) bool
}

func (r ResultsDependencyPaths) exists(path string) bool {
	if r.Exists != nil {
		return r.Exists(path)
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Dependencies carries the already-resolved path lists for every
// dependency kind an image can declare (§4.6 input).
type Dependencies struct {
	Samples   []string
	Ephemeral []string
	Repos     []string
	Results   ResultsDependencyPaths
	Tags      []string
	Children  []string
}

// Request is everything a job contributes to the overlay: positional
// args, kwargs, switches, and override controls (§4.3 "Command
// reaction args").
type Request struct {
	Positionals []string
	Kwargs      map[string][]string
	Switches    []string
	Opts        domain.OverlayOpts
	ReactionID  string
}

// Build composes the final argv for image against req and deps,
// writing results into outputDir per image.Args.Output. Build is
// deterministic: identical inputs always produce identical argv (§8
// property 7).
func Build(image *domain.Image, req Request, deps Dependencies, outputDir string) ([]string, error) {
	// Step 1: override_cmd short-circuits everything else.
	if len(req.Opts.OverrideCmd) > 0 {
		out := make([]string, len(req.Opts.OverrideCmd))
		copy(out, req.Opts.OverrideCmd)
		return out, nil
	}

	// Step 2: start from entrypoint+cmd, validate non-empty/non-bare-shell.
	built := append([]string{}, image.Entrypoint...)
	src := append([]string{}, image.Cmd...)
	if BuildEmptyOrShell(built) {
		return nil, fmt.Errorf("overlay: image %s/%s entrypoint is empty or a bare shell", image.Group, image.Name)
	}
	if req.Kwargs == nil {
		req.Kwargs = map[string][]string{}
	}

	// Step 3: inject dependency paths for every kind except results.
	built = injectPaths(built, req.Kwargs, deps.Samples, image.Dependencies.Samples)
	built = injectPaths(built, req.Kwargs, deps.Ephemeral, image.Dependencies.Ephemeral)
	built = injectPaths(built, req.Kwargs, deps.Repos, image.Dependencies.Repos)
	built = injectPaths(built, req.Kwargs, deps.Tags, image.Dependencies.Tags)
	built = injectPaths(built, req.Kwargs, deps.Children, image.Dependencies.Children)
	built = injectResults(built, req.Kwargs, deps.Results, image.Dependencies.Results)

	// Step 4: reaction UUID kwarg.
	if image.Args.Reaction != "" {
		id := req.ReactionID
		if id == "" {
			id = uuid.Nil.String()
		}
		req.Kwargs = setKwarg(req.Kwargs, image.Args.Reaction, []string{id})
	}

	// Step 5: output kwarg.
	if outputDir != "" && image.Args.Output != "" {
		req.Kwargs = setKwarg(req.Kwargs, image.Args.Output, []string{outputDir})
	}

	// Step 6: positionals.
	built, src = injectPositionals(built, src, req.Positionals, req.Opts.OverridePositionals)

	// Step 7: kwargs.
	built = injectKwargs(built, src, req.Kwargs, req.Opts.OverrideKwargs)

	// Step 8: switches.
	built = append(built, req.Switches...)

	return built, nil
}

// injectPaths implements §4.6 step 3 for a single non-results
// dependency kind: append to the kwarg's value list if one is
// configured, else append as positionals directly to built.
func injectPaths(built []string, kwargs map[string][]string, paths []string, dep domain.Dependency) []string {
	if len(paths) == 0 {
		return built
	}
	if dep.Kwarg != "" {
		appendKwargValues(kwargs, dep.Kwarg, paths)
		return built
	}
	return append(built, paths...)
}

// injectResults implements §4.6 step 3's results special-case: None
// is positional, List appends to one kwarg, Map filters per tool.
func injectResults(built []string, kwargs map[string][]string, results ResultsDependencyPaths, dep domain.ResultsDependency) []string {
	switch dep.Kind {
	case domain.KwargDepNone:
		return append(built, results.Paths...)
	case domain.KwargDepList:
		if dep.List == "" {
			return append(built, results.Paths...)
		}
		appendKwargValues(kwargs, dep.List, results.Paths)
		return built
	case domain.KwargDepMap:
		for _, tool := range sortedKeys(dep.Map) {
			key := dep.Map[tool]
			var matched []string
			for _, path := range results.Paths {
				candidate := filepath.Join(path, tool)
				if results.exists(candidate) {
					matched = append(matched, path)
				}
			}
			if len(matched) == 0 {
				// Unmatched tools are logged by the caller (the
				// worker-facing invocation site), never injected.
				continue
			}
			appendKwargValues(kwargs, key, matched)
		}
		return built
	default:
		return built
	}
}

func appendKwargValues(kwargs map[string][]string, key string, values []string) {
	kwargs[key] = append(kwargs[key], values...)
}

func setKwarg(kwargs map[string][]string, key string, values []string) map[string][]string {
	if kwargs == nil {
		kwargs = map[string][]string{}
	}
	kwargs[key] = values
	return kwargs
}

// injectPositionals implements §4.6 step 6: consume leading non-flag
// tokens from src (keep them only if overridePositionals is false),
// then append the job-provided positionals.
func injectPositionals(built, src, jobPositionals []string, overridePositionals bool) (newBuilt, remaining []string) {
	i := 0
	for i < len(src) && !strings.HasPrefix(src[i], "-") {
		i++
	}
	leading := src[:i]
	rest := src[i:]
	if !overridePositionals {
		built = append(built, leading...)
	}
	built = append(built, jobPositionals...)
	return built, rest
}

// injectKwargs implements §4.6 step 7: walk the source cmd's kwargs
// in order, replacing ("wiping") any flag the job also supplies and
// passing the rest through unchanged, then appending job kwargs the
// source never mentioned. Wiping a flag drops the source's own value
// tokens for it (the AtFlag -> AfterReplacement transition in the §9
// design note) so the replacement isn't immediately followed by stale
// source values.
func injectKwargs(built []string, src []string, jobKwargs map[string][]string, overrideKwargs bool) []string {
	if overrideKwargs {
		return appendAllKwargs(built, nil, jobKwargs)
	}

	emitted := map[string]bool{}
	i := 0
	for i < len(src) {
		tok := src[i]
		if !strings.HasPrefix(tok, "-") {
			i++
			continue
		}

		key, inlineValue, hasInline := splitFlag(tok)
		if jobValues, ok := jobKwargs[key]; ok {
			built = append(built, key)
			built = append(built, jobValues...)
			emitted[key] = true
			i++
			// AfterReplacement: drop the source's own value tokens
			// for this flag until the next flag.
			for i < len(src) && !strings.HasPrefix(src[i], "-") {
				i++
			}
			continue
		}

		built = append(built, key)
		if hasInline {
			built = append(built, inlineValue)
		} else if i+1 < len(src) && !strings.HasPrefix(src[i+1], "-") {
			built = append(built, src[i+1])
			i++
		}
		i++
	}

	for _, key := range sortedKeys(jobKwargs) {
		if emitted[key] {
			continue
		}
		built = append(built, key)
		built = append(built, jobKwargs[key]...)
	}
	return built
}

func appendAllKwargs(built []string, skip map[string]bool, kwargs map[string][]string) []string {
	for _, key := range sortedKeys(kwargs) {
		if skip[key] {
			continue
		}
		built = append(built, key)
		built = append(built, kwargs[key]...)
	}
	return built
}

func splitFlag(tok string) (key, value string, hasValue bool) {
	if idx := strings.Index(tok, "="); idx >= 0 {
		return tok[:idx], tok[idx+1:], true
	}
	return tok, "", false
}

// sortedKeys returns m's keys in a fixed (sorted) order so overlay
// construction stays deterministic across map iterations (§8 property
// 7) regardless of the underlying map's key type.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
