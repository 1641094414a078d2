package block

import (
	"strings"

	dberrors "github.com/merkledb/merkledb/internal/errors"
	"github.com/merkledb/merkledb/pkg/types"
)

// KeySeparator joins the parts of a composite index key.
const KeySeparator = "\x1f"

// Key builds the index key for a list of field values.
// Values are normalized first so that Key(3) and Key(int32(3)) agree.
func Key(values ...interface{}) (string, error) {
	parts := make([]string, len(values))
	for i, v := range values {
		nv, err := types.Normalize(v)
		if err != nil {
			return "", err
		}
		parts[i] = types.IndexKey(nv)
	}
	return strings.Join(parts, KeySeparator), nil
}

// RowKey computes the composite key of row over fields. Rows that do not carry
// every field of the index are not indexed.
func RowKey(row types.Row, fields []string) (string, bool) {
	parts := make([]string, len(fields))
	for i, f := range fields {
		v, ok := row.Get(f)
		if !ok {
			return "", false
		}
		parts[i] = types.IndexKey(v)
	}
	return strings.Join(parts, KeySeparator), true
}

// BuildIndexes computes every named index over rows. A second row mapping to
// an existing key of a unique index fails the whole call with a constraint
// violation naming the index and the uid of the row already holding the key.
func BuildIndexes(rows []types.Row, specs map[string]types.IndexDef) (map[string]map[string][]int64, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	out := make(map[string]map[string][]int64, len(specs))
	for _, name := range sortedIndexNames(specs) {
		spec := specs[name]
		idx := make(map[string][]int64)
		owners := make(map[string]string)

		for _, row := range rows {
			key, ok := RowKey(row, spec.Fields)
			if !ok {
				continue
			}
			if spec.Unique {
				if uid, taken := owners[key]; taken {
					return nil, dberrors.NewConstraintViolation(name, key, uid)
				}
				owners[key] = row.UID()
			}
			idx[key] = append(idx[key], row.ID())
		}
		out[name] = idx
	}
	return out, nil
}

func sortedIndexNames(specs map[string]types.IndexDef) []string {
	return types.TableDefinition{Indexes: specs}.IndexNames()
}
