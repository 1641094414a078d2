package block

import (
	"sort"
	"strings"
	"unicode"

	"github.com/merkledb/merkledb/internal/bloom"
	"github.com/merkledb/merkledb/pkg/types"
)

// SearchFPR is the target false positive rate of block search filters.
const SearchFPR = 0.01

// Tokenize splits a value into lower-cased word tokens. Lists and maps are
// walked recursively; map keys are not tokenized.
func Tokenize(v interface{}) []string {
	var out []string
	tokenize(v, &out)
	return out
}

func tokenize(v interface{}, out *[]string) {
	switch val := v.(type) {
	case nil:
	case string:
		*out = append(*out, strings.FieldsFunc(strings.ToLower(val), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})...)
	case []interface{}:
		for _, item := range val {
			tokenize(item, out)
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tokenize(val[k], out)
		}
	default:
		*out = append(*out, types.KeyString(val))
	}
}

// RowTokens returns the distinct tokens of row over the search fields.
func RowTokens(row types.Row, fields []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range fields {
		v, ok := row.Get(f)
		if !ok {
			continue
		}
		for _, tok := range Tokenize(v) {
			set[tok] = struct{}{}
		}
	}
	return set
}

// MatchesSearch reports whether every token of term occurs in the row's search fields.
func MatchesSearch(row types.Row, fields []string, term string) bool {
	want := Tokenize(term)
	if len(want) == 0 {
		return true
	}
	have := RowTokens(row, fields)
	for _, tok := range want {
		if _, ok := have[tok]; !ok {
			return false
		}
	}
	return true
}

// BuildSearch builds the bloom filter of all tokens of rows over fields.
// Returns nil when the table has no search fields.
func BuildSearch(rows []types.Row, fields []string) *bloom.Filter {
	if len(fields) == 0 {
		return nil
	}
	tokens := make(map[string]struct{})
	for _, row := range rows {
		for tok := range RowTokens(row, fields) {
			tokens[tok] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(tokens))
	for tok := range tokens {
		sorted = append(sorted, tok)
	}
	sort.Strings(sorted)

	f := bloom.NewWithEstimates(len(sorted)+1, SearchFPR)
	for _, tok := range sorted {
		f.AddString(tok)
	}
	return f
}

// MayContain reports whether the block can hold rows matching term.
// Blocks without a filter always may.
func (b *Block) MayContain(term string) bool {
	if b.Filters.Search == nil {
		return true
	}
	for _, tok := range Tokenize(term) {
		if !b.Filters.Search.ContainsString(tok) {
			return false
		}
	}
	return true
}
