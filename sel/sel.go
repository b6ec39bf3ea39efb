// Package sel implements namespace selection for the initial sync.
package sel

import (
	"slices"
	"strings"
)

// NSFilter returns true if a namespace is allowed. A probe with an empty
// collection name asks whether any collection of the database could be
// allowed; it is used to skip whole databases before listing them.
type NSFilter func(db, coll string) bool

func AllowAllFilter(string, string) bool {
	return true
}

// MakeFilter builds an NSFilter from include and exclude namespace lists.
// Entries are "db.coll" or "db.*". Exclusion takes precedence; a non-empty
// include list switches to whitelist logic.
func MakeFilter(include, exclude []string) NSFilter {
	if len(include) == 0 && len(exclude) == 0 {
		return AllowAllFilter
	}

	includeFilter := makeFilterMap(include)
	excludeFilter := makeFilterMap(exclude)

	return func(db, coll string) bool {
		if coll == "" {
			// database-level probe
			if excludeFilter.HasWholeDB(db) {
				return false
			}

			if len(includeFilter) > 0 {
				_, ok := includeFilter[db]

				return ok
			}

			return true
		}

		if len(excludeFilter) > 0 && excludeFilter.Has(db, coll) {
			return false
		}

		if len(includeFilter) > 0 {
			return includeFilter.Has(db, coll)
		}

		return true
	}
}

type filterMap map[string][]string

func (f filterMap) Has(db, coll string) bool {
	list, ok := f[db]
	if !ok {
		return false // the db is not listed
	}

	if len(list) == 0 {
		return true // all namespaces of the database are listed
	}

	return slices.Contains(list, coll)
}

// HasWholeDB reports whether the database is listed without a collection
// restriction.
func (f filterMap) HasWholeDB(db string) bool {
	list, ok := f[db]

	return ok && len(list) == 0
}

func makeFilterMap(filter []string) filterMap {
	// keys are database names. values are collections that belong to the db.
	// a nil value means the whole db (all its collections).
	fm := make(filterMap)

	for _, ns := range filter {
		db, coll, _ := strings.Cut(ns, ".")

		l, ok := fm[db]
		if ok && len(l) == 0 {
			continue // whole database already listed
		}

		if coll == "*" {
			fm[db] = nil

			continue
		}

		fm[db] = append(fm[db], coll)
	}

	return fm
}
