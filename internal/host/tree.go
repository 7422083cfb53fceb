package host

import (
	"path"
	"sort"
	"time"

	"github.com/crazy-max/unarc/pkg/request"
)

// Entry is a node of the metadata tree returned by Metadata
type Entry struct {
	Path    string
	IsDir   bool
	Size    int64
	ModTime time.Time
	// Index is the position of the entry in the archive or -1 for a
	// directory that only exists as a parent of other entries.
	Index int64
}

// Entries flattens a metadata tree in depth-first order, siblings sorted by
// name
func Entries(metadata map[string]any) []Entry {
	var list []Entry
	walk(metadata, "", &list)
	return list
}

func walk(node map[string]any, dir string, list *[]Entry) {
	children, _ := node["entries"].(map[string]any)
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		child, ok := children[name].(map[string]any)
		if !ok {
			continue
		}
		msg := request.Message(child)
		e := Entry{
			Path:  path.Join(dir, name),
			IsDir: msg.Bool("isDirectory"),
			Size:  request.DecodeInt64(msg, "size"),
			Index: -1,
		}
		if mt := msg.Int("modificationTime"); mt > 0 {
			e.ModTime = time.Unix(int64(mt), 0)
		}
		if _, ok := child["index"]; ok {
			e.Index = request.DecodeInt64(msg, "index")
		}
		*list = append(*list, e)
		if e.IsDir {
			walk(child, e.Path, list)
		}
	}
}
