package appengine

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
)

// validateComposeFile parses path as a compose-go project to catch
// malformed app bundles before install (spec.md §4.4 boundary behaviors).
func validateComposeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading compose file: %w", err)
	}
	details := types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{{Filename: path, Content: data}},
	}
	if _, err := loader.LoadWithContext(context.Background(), details, func(o *loader.Options) {
		o.SkipValidation = false
		o.SkipInterpolation = true
	}); err != nil {
		return fmt.Errorf("parsing compose file: %w", err)
	}
	return nil
}

// composeImageRefs returns the distinct image: references declared across
// a compose file's services, via compose-go's loader so the count matches
// what "compose up" will actually pull.
func composeImageRefs(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading compose file: %w", err)
	}
	details := types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{{Filename: path, Content: data}},
	}
	project, err := loader.LoadWithContext(context.Background(), details, func(o *loader.Options) {
		o.SkipValidation = true
		o.SkipInterpolation = true
	})
	if err != nil {
		return nil, fmt.Errorf("parsing compose file: %w", err)
	}

	seen := make(map[string]bool)
	var refs []string
	for _, svc := range project.Services {
		if svc.Image == "" || seen[svc.Image] {
			continue
		}
		seen[svc.Image] = true
		refs = append(refs, svc.Image)
	}
	return refs, nil
}

// imageTokenPattern matches an "image:" reference anywhere on a line, used
// by the line-scan running-count heuristic (spec.md §3's running-app test)
// that both engines' IsRunning apply to the raw compose file text. Whether
// the match counts still depends on no "#" preceding it on the same line
// (countImageTokens below).
var imageTokenPattern = regexp.MustCompile(`\bimage:\s*\S+`)

// countImageTokens counts "image:" occurrences in a compose file's raw text
// that have no "#" earlier on the same line.
func countImageTokens(content string) int {
	count := 0
	for _, line := range strings.Split(content, "\n") {
		loc := imageTokenPattern.FindStringIndex(line)
		if loc == nil {
			continue
		}
		if hashIdx := strings.IndexByte(line, '#'); hashIdx >= 0 && hashIdx < loc[0] {
			continue
		}
		count++
	}
	return count
}
