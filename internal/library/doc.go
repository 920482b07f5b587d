// Package library tracks audiobooks that have been placed into the library
// directory. The SQLite index is the source of truth for duplicate
// suppression; reconciliation scans fold in files that arrived by other
// means, keyed on the ASIN embedded in their tags.
package library
