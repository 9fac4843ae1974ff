package types

import "strings"

// Location addresses a column of a container (table) inside an enrolled store.
type Location struct {
	Store     string `json:"store"`
	Container string `json:"container"`
	Column    string `json:"column"`
}

// String renders the location as store.container.column.
func (l Location) String() string {
	return l.Store + "." + l.Container + "." + l.Column
}

// ContainerKey renders the container part as store.container.
func (l Location) ContainerKey() string {
	return l.Store + "." + l.Container
}

// ParseLocation parses store.container.column. Missing parts stay empty.
func ParseLocation(s string) Location {
	parts := strings.SplitN(s, ".", 3)
	var loc Location
	if len(parts) > 0 {
		loc.Store = parts[0]
	}
	if len(parts) > 1 {
		loc.Container = parts[1]
	}
	if len(parts) > 2 {
		loc.Column = parts[2]
	}
	return loc
}

// Column describes one column found by schema introspection.
type Column struct {
	Location
	DataType string
	// Samples holds a few values for content-based classification. It is
	// empty unless a content matcher asked for sampling.
	Samples []string
}
