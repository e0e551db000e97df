package integration

import (
	"sort"
	"strings"

	"emperror.dev/errors"
	"github.com/Jeffail/gabs/v2"
	"github.com/tidwall/gjson"

	"github.com/priyxstudio/franchise/manifest"
)

// applyMapping copies the fields named by mapping from the source JSON into a
// new payload. Source paths are gjson paths; target paths are dotted and
// create nested objects. Unmapped fields are dropped and missing source
// fields are skipped. An empty mapping passes the source through unchanged.
func applyMapping(mapping map[string]string, source []byte, sourceModule, targetModule string) (map[string]interface{}, error) {
	if len(mapping) == 0 {
		out, ok := gjson.ParseBytes(source).Value().(map[string]interface{})
		if !ok {
			return map[string]interface{}{}, nil
		}
		return out, nil
	}

	keys := make([]string, 0, len(mapping))
	for k := range mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	container := gabs.New()
	for _, from := range keys {
		to := fieldPath(mapping[from], targetModule)
		r := gjson.GetBytes(source, fieldPath(from, sourceModule))
		if !r.Exists() {
			continue
		}
		if _, err := container.SetP(r.Value(), to); err != nil {
			return nil, errors.Wrapf(err, "integration: failed to map %s to %s", from, to)
		}
	}

	out, ok := container.Data().(map[string]interface{})
	if !ok {
		return map[string]interface{}{}, nil
	}
	return out, nil
}

// fieldPath strips a leading module segment from path when it names one of
// modules, comparing normalized ids.
func fieldPath(path string, modules ...string) string {
	head, rest, ok := strings.Cut(path, ".")
	if !ok {
		return path
	}
	id := manifest.NormalizeID(head)
	for _, m := range modules {
		if id == m {
			return rest
		}
	}
	return path
}
