package tree

import (
	"slices"
	"strings"
	"time"

	"github.com/damacus/iron-tree/internal/uploads"
)

// Overlay merges queue state onto a copy of base. base is never modified.
//
// Pending and uploading tasks under prefix become IsUploading file nodes at
// the front of their parent, unless the listing already has a node at that
// path. Completed records become plain file nodes stamped with now. A record
// replaces the placeholder of its own task or a stale one, but never a listed
// node or a placeholder for another task still in flight to the same key.
// Missing parent directories are created at the front of their parent.
func Overlay(base *Node, active []uploads.Snapshot, completed []uploads.CompletedUpload, prefix string, now time.Time) *Node {
	if now.IsZero() {
		now = time.Now()
	}

	var root *Node
	if base == nil {
		root = newDir("", prefix)
	} else {
		root = base.Clone()
	}
	index := indexPaths(root)

	for _, task := range active {
		if !task.Status.IsActive() {
			continue
		}
		parent, path, ok := ensureParents(root, index, task.DestinationKey, prefix)
		if !ok {
			continue
		}
		if _, exists := index[path]; exists {
			continue
		}
		snap := task
		node := &Node{
			Name:         baseName(path),
			Path:         path,
			Size:         task.TotalBytes,
			StorageClass: string(task.StorageClass),
			IsUploading:  true,
			Upload:       &snap,
		}
		parent.Children = slices.Insert(parent.Children, 0, node)
		index[node.Path] = node
	}

	for _, rec := range completed {
		parent, path, ok := ensureParents(root, index, rec.DestinationKey, prefix)
		if !ok {
			continue
		}
		node := &Node{
			Name:         baseName(path),
			Path:         path,
			Size:         rec.Size,
			LastModified: now,
			StorageClass: string(rec.StorageClass),
		}
		existing, exists := index[path]
		switch {
		case !exists:
			parent.Children = slices.Insert(parent.Children, 0, node)
		case existing.IsUploading && supersedes(rec, existing.Upload):
			if i := slices.Index(parent.Children, existing); i >= 0 {
				parent.Children[i] = node
			}
		default:
			continue
		}
		index[node.Path] = node
	}

	return root
}

// supersedes reports whether a completed record may take over a placeholder
// built from snap.
func supersedes(rec uploads.CompletedUpload, snap *uploads.Snapshot) bool {
	return snap == nil || !snap.Status.IsActive() || snap.ID == rec.TaskID
}

// ensureParents walks key's directories below prefix, creating any that are
// missing, and returns the parent directory plus the file's normalised path.
// Keys outside prefix or without a file name are rejected.
func ensureParents(root *Node, index map[string]*Node, key, prefix string) (*Node, string, bool) {
	if key == "" || !strings.HasPrefix(key, prefix) || strings.HasSuffix(key, "/") {
		return nil, "", false
	}
	segments := splitSegments(strings.TrimPrefix(key, prefix))
	if len(segments) == 0 {
		return nil, "", false
	}

	parent := root
	path := prefix
	for _, seg := range segments[:len(segments)-1] {
		path += seg + "/"
		parent = ensureDir(index, parent, seg, path, true)
	}
	return parent, path + segments[len(segments)-1], true
}

func baseName(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}

func indexPaths(root *Node) map[string]*Node {
	index := map[string]*Node{}
	var walk func(*Node)
	walk = func(n *Node) {
		for _, child := range n.Children {
			index[child.Path] = child
			if child.IsDirectory {
				walk(child)
			}
		}
	}
	walk(root)
	return index
}
