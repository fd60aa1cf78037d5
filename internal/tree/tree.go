// Package tree turns flat object listings into a folder hierarchy and overlays
// in-flight uploads onto it.
package tree

import (
	"slices"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/damacus/iron-tree/internal/models"
	"github.com/damacus/iron-tree/internal/uploads"
)

// Node is one entry of the rendered tree. Directory paths end in "/".
// Children is non-nil exactly when IsDirectory is set.
type Node struct {
	Name         string            `json:"name"`
	Path         string            `json:"path"`
	IsDirectory  bool              `json:"is_directory"`
	Children     []*Node           `json:"children,omitzero"`
	Size         uint64            `json:"size,omitempty"`
	LastModified time.Time         `json:"last_modified,omitzero"`
	StorageClass string            `json:"storage_class,omitempty"`
	IsUploading  bool              `json:"is_uploading,omitempty"`
	Upload       *uploads.Snapshot `json:"upload,omitempty"`
}

func newDir(name, path string) *Node {
	return &Node{Name: name, Path: path, IsDirectory: true, Children: []*Node{}}
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Upload != nil {
		snap := *n.Upload
		c.Upload = &snap
	}
	if n.Children != nil {
		c.Children = make([]*Node, len(n.Children))
		for i, child := range n.Children {
			c.Children[i] = child.Clone()
		}
	}
	return &c
}

// Builder builds trees sorted for one locale.
type Builder struct {
	Locale language.Tag
}

// NewBuilder returns a Builder collating names for tag.
func NewBuilder(tag language.Tag) *Builder {
	return &Builder{Locale: tag}
}

// Build builds a tree with English collation.
func Build(records []models.ObjectRecord, basePrefix string) *Node {
	return NewBuilder(language.English).Build(records, basePrefix)
}

// Build converts records under basePrefix into a tree rooted at a synthetic
// directory whose Path is basePrefix. Empty keys are skipped and empty path
// segments are dropped; a file path seen twice keeps its first record.
func (b *Builder) Build(records []models.ObjectRecord, basePrefix string) *Node {
	root := newDir("", basePrefix)
	index := map[string]*Node{}

	for _, rec := range records {
		if rec.Key == "" || !strings.HasPrefix(rec.Key, basePrefix) {
			continue
		}
		segments := splitSegments(strings.TrimPrefix(rec.Key, basePrefix))
		if len(segments) == 0 {
			continue
		}
		isDirKey := strings.HasSuffix(rec.Key, "/")

		parent := root
		path := basePrefix
		for i, seg := range segments {
			if i < len(segments)-1 || isDirKey {
				path += seg + "/"
				parent = ensureDir(index, parent, seg, path, false)
				continue
			}
			path += seg
			if _, exists := index[path]; exists {
				break
			}
			file := &Node{
				Name:         seg,
				Path:         path,
				Size:         rec.Size,
				LastModified: rec.LastModified,
				StorageClass: rec.StorageClass,
			}
			index[path] = file
			parent.Children = append(parent.Children, file)
		}
		if isDirKey && parent != root && parent.LastModified.IsZero() {
			parent.LastModified = rec.LastModified
		}
	}

	b.sort(root, collate.New(b.Locale))
	return root
}

// sort orders every level: directories first, then collated names. Ties fall
// back to byte order and finally the path so the order is total.
func (b *Builder) sort(n *Node, col *collate.Collator) {
	slices.SortStableFunc(n.Children, func(x, y *Node) int {
		if x.IsDirectory != y.IsDirectory {
			if x.IsDirectory {
				return -1
			}
			return 1
		}
		if c := col.CompareString(x.Name, y.Name); c != 0 {
			return c
		}
		if c := strings.Compare(x.Name, y.Name); c != 0 {
			return c
		}
		return strings.Compare(x.Path, y.Path)
	})
	for _, child := range n.Children {
		if child.IsDirectory {
			b.sort(child, col)
		}
	}
}

// ensureDir returns the directory node for path, creating it under parent
// when missing. New directories are appended, or put first when front is set.
func ensureDir(index map[string]*Node, parent *Node, name, path string, front bool) *Node {
	if n, ok := index[path]; ok && n.IsDirectory {
		return n
	}
	dir := newDir(name, path)
	index[path] = dir
	if front {
		parent.Children = slices.Insert(parent.Children, 0, dir)
	} else {
		parent.Children = append(parent.Children, dir)
	}
	return dir
}

func splitSegments(rest string) []string {
	parts := strings.Split(rest, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AllPaths returns the path of every node below root.
func AllPaths(root *Node) map[string]struct{} {
	paths := map[string]struct{}{}
	if root == nil {
		return paths
	}
	var walk func(*Node)
	walk = func(n *Node) {
		for _, child := range n.Children {
			paths[child.Path] = struct{}{}
			walk(child)
		}
	}
	walk(root)
	return paths
}

// Depth is the number of path segments of path below basePrefix.
func Depth(path, basePrefix string) int {
	return len(splitSegments(strings.TrimPrefix(path, basePrefix)))
}

// Find returns the node at path, or nil.
func Find(root *Node, path string) *Node {
	if root == nil {
		return nil
	}
	if root.Path == path {
		return root
	}
	for _, child := range root.Children {
		if child.Path == path {
			return child
		}
		if child.IsDirectory && strings.HasPrefix(path, child.Path) {
			return Find(child, path)
		}
	}
	return nil
}
