package manifest

import (
	"fmt"
	"strings"

	"emperror.dev/errors"
)

var (
	// ErrInvalidManifest is returned when a manifest is missing required fields
	// or carries a malformed version.
	ErrInvalidManifest = errors.New("manifest: invalid manifest")

	// ErrVersionNotIncreasing is returned when a manifest is published for an
	// existing module without a strictly greater version.
	ErrVersionNotIncreasing = errors.New("manifest: version must be greater than the published version")
)

// CycleError is returned when publishing a manifest would introduce a cycle
// into the dependency graph.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("manifest: dependency cycle %s", strings.Join(e.Path, " -> "))
}
