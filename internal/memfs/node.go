package memfs

import "time"

// Kind discriminates a FileNode's role in the tree.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

// Node is either a file (holding byte content) or a directory (holding
// named children). Exactly one of Content/Children is meaningful,
// selected by Kind.
type Node struct {
	Kind     Kind
	Content  []byte
	Children map[string]*Node
	Meta     Metadata
}

func newFileNode(now time.Time) *Node {
	return &Node{
		Kind: KindFile,
		Meta: newFileMetadata(now),
	}
}

func newDirNode(now time.Time) *Node {
	return &Node{
		Kind:     KindDir,
		Children: make(map[string]*Node),
		Meta:     newDirMetadata(now),
	}
}

// addChild attaches child under name; only valid on a directory node.
func (n *Node) addChild(name string, child *Node) {
	n.Children[name] = child
}

// getChild looks up a direct child by name.
func (n *Node) getChild(name string) (*Node, bool) {
	c, ok := n.Children[name]
	return c, ok
}

// removeChild detaches and returns a direct child by name.
func (n *Node) removeChild(name string) (*Node, bool) {
	c, ok := n.Children[name]
	if ok {
		delete(n.Children, name)
	}
	return c, ok
}

// size returns the byte length of a file node's content, or the recursive
// sum over a directory's descendants.
func (n *Node) size() int64 {
	if n.Kind == KindFile {
		return int64(len(n.Content))
	}
	var total int64
	for _, c := range n.Children {
		total += c.size()
	}
	return total
}
