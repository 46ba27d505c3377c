package qdb

import "path"

const (
	tablesNamespace    = "tables"
	locksNamespace     = "locks"
	sequencesNamespace = "sequences"
)

func TablesPath(root string) string {
	return path.Join(root, tablesNamespace)
}

func TableNodePath(root, table string) string {
	return path.Join(root, tablesNamespace, table)
}

func LocksPath(root string) string {
	return path.Join(root, locksNamespace)
}

func LockNodePath(root, lock string) string {
	return path.Join(root, locksNamespace, lock)
}

func SequencesPath(root string) string {
	return path.Join(root, sequencesNamespace)
}

func SequenceNodePath(root, seq string) string {
	return path.Join(root, sequencesNamespace, seq)
}

// RequiredPaths are the nodes a process creates under root at startup.
func RequiredPaths(root string) []string {
	return []string{
		root,
		TablesPath(root),
		LocksPath(root),
		SequencesPath(root),
	}
}
