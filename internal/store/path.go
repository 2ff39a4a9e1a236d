package store

import "strings"

// Path is a slash separated document or collection path. Document paths have an
// even number of segments (Users/abc), collection paths an odd number (Users,
// Servers/abc/Members).
type Path string

// NewPath joins segments into a path.
func NewPath(segments ...string) Path {
	return Path(strings.Join(segments, "/"))
}

// Segments splits the path on slashes.
func (p Path) Segments() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), "/")
}

func (p Path) valid() bool {
	segs := p.Segments()
	if len(segs) == 0 {
		return false
	}
	for _, s := range segs {
		if s == "" {
			return false
		}
	}
	return true
}

// IsDocument reports whether p names a document.
func (p Path) IsDocument() bool {
	return p.valid() && len(p.Segments())%2 == 0
}

// IsCollection reports whether p names a collection.
func (p Path) IsCollection() bool {
	return p.valid() && len(p.Segments())%2 == 1
}

// Parent returns the enclosing collection of a document, or the enclosing document
// of a collection. The parent of a top-level collection is the empty path.
func (p Path) Parent() Path {
	i := strings.LastIndexByte(string(p), '/')
	if i < 0 {
		return ""
	}
	return p[:i]
}

// ID returns the last segment.
func (p Path) ID() string {
	i := strings.LastIndexByte(string(p), '/')
	return string(p[i+1:])
}

// Doc returns the document id inside collection p.
func (p Path) Doc(id string) Path {
	return Path(string(p) + "/" + id)
}

// Collection returns the sub-collection name under document p.
func (p Path) Collection(name string) Path {
	return Path(string(p) + "/" + name)
}

func (p Path) String() string { return string(p) }
