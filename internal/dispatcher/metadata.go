package dispatcher

import (
	"path"
	"strings"

	"github.com/crazy-max/unarc/pkg/request"
	"github.com/crazy-max/unarc/pkg/volume"
)

// Metadata keys of the entry tree
const (
	keyIsDirectory      = "isDirectory"
	keyName             = "name"
	keySize             = "size"
	keyModificationTime = "modificationTime"
	keyIndex            = "index"
	keyEntries          = "entries"
)

// tree builds the nested entry description sent with READ_METADATA_DONE.
// Parent directories missing from the archive are created on the way.
type tree struct {
	root map[string]any
}

func newTree() *tree {
	return &tree{root: dirNode("")}
}

func dirNode(name string) map[string]any {
	return map[string]any{
		keyIsDirectory:      true,
		keyName:             name,
		keySize:             request.EncodeInt64(0),
		keyModificationTime: int64(0),
		keyEntries:          map[string]any{},
	}
}

func (t *tree) add(index int64, e volume.Entry) {
	parts := strings.Split(strings.Trim(e.Path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return
	}

	parent := t.root
	for _, name := range parts[:len(parts)-1] {
		entries := parent[keyEntries].(map[string]any)
		child, ok := entries[name].(map[string]any)
		if !ok || child[keyIsDirectory] != true {
			child = dirNode(name)
			entries[name] = child
		}
		parent = child
	}

	name := parts[len(parts)-1]
	entries := parent[keyEntries].(map[string]any)
	node, ok := entries[name].(map[string]any)
	if !ok || !e.IsDir {
		node = map[string]any{}
		entries[name] = node
	}
	node[keyIsDirectory] = e.IsDir
	node[keyName] = name
	node[keySize] = request.EncodeInt64(e.Size)
	node[keyModificationTime] = int64(0)
	if !e.ModTime.IsZero() {
		node[keyModificationTime] = e.ModTime.Unix()
	}
	node[keyIndex] = request.EncodeInt64(index)
	if e.IsDir {
		if _, ok := node[keyEntries]; !ok {
			node[keyEntries] = map[string]any{}
		}
	}
}

func cleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}
