package generation

import (
	"encoding/json"
	"sort"

	"github.com/ekho-app/ekho/errors"
)

// NodeKind tags which field of a Node is meaningful
type NodeKind int

const (
	NodeNull NodeKind = iota
	NodeString
	NodeNumber
	NodeBool
	NodeList
	NodeMap
)

// Node is a decoded JSON value from a remote operation. Responses vary by
// model version, so callers navigate them as a tree instead of a fixed struct.
type Node struct {
	Kind NodeKind
	Str  string
	Num  float64
	Bool bool
	List []Node
	Map  map[string]Node
}

// ParseNode decodes raw JSON into a Node tree
func ParseNode(data []byte) (Node, error) {
	if len(data) == 0 {
		return Node{}, nil
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return Node{}, errors.Wrap(err, "failed to decode operation")
	}
	return FromValue(v), nil
}

// FromValue converts the output of encoding/json into a Node tree
func FromValue(v interface{}) Node {
	switch t := v.(type) {
	case string:
		return Node{Kind: NodeString, Str: t}
	case float64:
		return Node{Kind: NodeNumber, Num: t}
	case bool:
		return Node{Kind: NodeBool, Bool: t}
	case []interface{}:
		list := make([]Node, len(t))
		for i, item := range t {
			list[i] = FromValue(item)
		}
		return Node{Kind: NodeList, List: list}
	case map[string]interface{}:
		m := make(map[string]Node, len(t))
		for k, item := range t {
			m[k] = FromValue(item)
		}
		return Node{Kind: NodeMap, Map: m}
	default:
		return Node{}
	}
}

// Field returns a map member
func (n Node) Field(name string) (Node, bool) {
	if n.Kind != NodeMap {
		return Node{}, false
	}
	child, ok := n.Map[name]
	return child, ok
}

// Path follows nested map fields
func (n Node) Path(names ...string) (Node, bool) {
	cur := n
	for _, name := range names {
		next, ok := cur.Field(name)
		if !ok {
			return Node{}, false
		}
		cur = next
	}
	return cur, true
}

// Index returns a list element
func (n Node) Index(i int) (Node, bool) {
	if n.Kind != NodeList || i < 0 || i >= len(n.List) {
		return Node{}, false
	}
	return n.List[i], true
}

// Text returns the node's text when it is a string
func (n Node) Text() (string, bool) {
	return n.Str, n.Kind == NodeString
}

// Keys returns map keys in sorted order so walks are deterministic
func (n Node) Keys() []string {
	keys := make([]string, 0, len(n.Map))
	for k := range n.Map {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Raw re-encodes the node as compact JSON
func (n Node) Raw() string {
	data, err := json.Marshal(n.value())
	if err != nil {
		return ""
	}
	return string(data)
}

func (n Node) value() interface{} {
	switch n.Kind {
	case NodeString:
		return n.Str
	case NodeNumber:
		return n.Num
	case NodeBool:
		return n.Bool
	case NodeList:
		out := make([]interface{}, len(n.List))
		for i, item := range n.List {
			out[i] = item.value()
		}
		return out
	case NodeMap:
		out := make(map[string]interface{}, len(n.Map))
		for k, item := range n.Map {
			out[k] = item.value()
		}
		return out
	default:
		return nil
	}
}
