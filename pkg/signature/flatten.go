package signature

import (
	"strconv"

	"github.com/benmeehan/ecoflow-go/pkg/apierrors"
)

// Flatten turns a nested value into a flat mapping of key paths to scalar
// leaves. Object keys are joined with '.', array indices become "[i]"
// suffixes, and a root array yields bare "[i]" paths. Empty objects and arrays
// contribute nothing; null leaves are kept as Null.
//
// Two distinct leaves mapping to the same path (for example a key literally
// named "a[0]" next to an array "a") is reported as an error rather than
// silently dropping one of them.
func Flatten(v Value) (map[string]Value, error) {
	out := make(map[string]Value)
	if err := flattenInto(out, v, ""); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenInto(out map[string]Value, v Value, path string) error {
	switch t := v.(type) {
	case Object:
		for key, child := range t {
			if err := flattenInto(out, child, joinKey(path, key)); err != nil {
				return err
			}
		}
		return nil
	case Array:
		for i, child := range t {
			if err := flattenInto(out, child, joinIndex(path, i)); err != nil {
				return err
			}
		}
		return nil
	case nil:
		return setLeaf(out, path, Null{})
	default:
		return setLeaf(out, path, t)
	}
}

func setLeaf(out map[string]Value, path string, v Value) error {
	if path == "" {
		return &apierrors.SigningInputError{Reason: "scalar payload has no key to sign"}
	}
	if _, dup := out[path]; dup {
		return &apierrors.SigningInputError{Path: path, Reason: "two leaves share the same key path"}
	}
	out[path] = v
	return nil
}

func joinKey(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func joinIndex(parent string, i int) string {
	return parent + "[" + strconv.Itoa(i) + "]"
}
