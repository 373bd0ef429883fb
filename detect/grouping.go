package detect

import (
	"strings"

	"github.com/nutthakorn7/zcrai-sub000/core"
)

// hitGroup is the set of rows sharing one group key
type hitGroup struct {
	Key    string
	Values []string
	Hits   []map[string]interface{}
}

// groupHits buckets rows by the values at groupBy paths. Groups keep the
// order in which their first row appeared.
func groupHits(rows []map[string]interface{}, groupBy []string) []hitGroup {
	var groups []hitGroup
	index := make(map[string]int)

	for _, row := range rows {
		values := make([]string, len(groupBy))
		for i, path := range groupBy {
			values[i] = groupValue(row, path)
		}
		key := strings.Join(values, core.GroupKeySeparator)

		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, hitGroup{Key: key, Values: values})
		}
		groups[i].Hits = append(groups[i].Hits, row)
	}
	return groups
}

func groupValue(row map[string]interface{}, path string) string {
	if s, ok := core.LookupString(row, path); ok {
		return s
	}
	return core.MissingGroupValue
}
