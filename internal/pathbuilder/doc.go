// Package pathbuilder derives library paths from catalog metadata. All
// functions are pure; the builder never touches the filesystem.
package pathbuilder
