package router

import (
	"sort"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/dispatch"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
)

// Trie indexes routes by path segment.
//
// A Trie is not safe for concurrent mutation. Concurrent calls to Route,
// Count and Collect are safe while no goroutine mutates it; the route cache
// relies on this by only ever storing clones.
type Trie struct {
	root *trieNode
}

// trieNode holds path handlers and predicate matchers that terminate here.
// Both bags are kept sorted descending by (complexity, priority).
type trieNode struct {
	children map[string]*trieNode
	handlers []handler
	matchers []handler
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

func (n *trieNode) isEmpty() bool {
	return len(n.children) == 0 && len(n.handlers) == 0 && len(n.matchers) == 0
}

// NewTrie creates an empty trie.
func NewTrie() *Trie {
	return &Trie{root: newTrieNode()}
}

// Build validates every route and inserts them into a copy of base (or a
// new trie when base is nil). Nothing is inserted if any route is invalid.
func Build(routes []Route, base *Trie) (*Trie, error) {
	var t *Trie
	if base == nil {
		t = NewTrie()
	} else {
		t = base.Clone()
	}
	if err := t.Add(routes...); err != nil {
		return nil, err
	}
	return t, nil
}

// Add validates all routes, then inserts them in order. Multi targets are
// expanded into one entry per member target.
func (t *Trie) Add(routes ...Route) error {
	for _, r := range routes {
		if err := Validate(r); err != nil {
			return err
		}
		if len(dispatch.Expand(r.Target)) == 0 {
			return &ValidationError{Path: r.Path, Reason: "composite target is empty", Err: ErrInvalidTarget}
		}
	}
	if t.root == nil {
		t.root = newTrieNode()
	}
	for _, r := range routes {
		t.insert(r)
	}
	return nil
}

func (t *Trie) insert(r Route) {
	segments, _ := ValidatePath(r.Path)
	node := t.root
	for _, seg := range segments {
		child := node.children[seg]
		if child == nil {
			child = newTrieNode()
			node.children[seg] = child
		}
		node = child
	}

	score := complexity(segments)
	for _, target := range dispatch.Expand(r.Target) {
		h := handler{
			path:       r.Path,
			target:     target,
			priority:   r.Priority,
			complexity: score,
			owner:      r.Owner,
			match:      r.Match,
		}
		if h.match == nil {
			node.handlers = insertSorted(node.handlers, h)
		} else {
			node.matchers = insertSorted(node.matchers, h)
		}
	}
}

// insertSorted places h after every entry it does not outrank, keeping
// insertion order among ties.
func insertSorted(bag []handler, h handler) []handler {
	i := sort.Search(len(bag), func(i int) bool { return h.outranks(bag[i]) })
	bag = append(bag, handler{})
	copy(bag[i+1:], bag[i:])
	bag[i] = h
	return bag
}

// visitKey memoizes (node, depth) pairs so "**" expansion never collects a
// node twice.
type visitKey struct {
	node  *trieNode
	depth int
}

type matchState struct {
	sig     *signal.Signal
	found   []handler
	visited map[visitKey]struct{}
}

// Route returns the matching entries in dispatch order, or ErrNoHandlers.
func (t *Trie) Route(sig *signal.Signal) ([]Entry, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	if t.root == nil {
		return nil, ErrNoHandlers
	}
	st := &matchState{
		sig:     sig,
		visited: make(map[visitKey]struct{}),
	}
	t.match(t.root, sig.Segments(), 0, st)
	if len(st.found) == 0 {
		return nil, ErrNoHandlers
	}

	sort.SliceStable(st.found, func(i, j int) bool {
		return st.found[i].outranks(st.found[j])
	})
	entries := make([]Entry, len(st.found))
	for i, h := range st.found {
		entries[i] = h.entry()
	}
	return entries, nil
}

func (t *Trie) match(node *trieNode, segments []string, depth int, st *matchState) {
	key := visitKey{node: node, depth: depth}
	if _, seen := st.visited[key]; seen {
		return
	}
	st.visited[key] = struct{}{}

	if depth == len(segments) {
		st.collect(node)
		if child := node.children[constants.WildcardMulti]; child != nil {
			t.match(child, segments, depth, st)
		}
		return
	}

	if child := node.children[segments[depth]]; child != nil {
		t.match(child, segments, depth+1, st)
	}
	if child := node.children[constants.WildcardSingle]; child != nil {
		t.match(child, segments, depth+1, st)
	}
	if child := node.children[constants.WildcardMulti]; child != nil {
		for next := depth; next <= len(segments); next++ {
			t.match(child, segments, next, st)
		}
	}
}

func (st *matchState) collect(node *trieNode) {
	st.found = append(st.found, node.handlers...)
	for _, m := range node.matchers {
		if safeMatch(m.match, st.sig) {
			st.found = append(st.found, m)
		}
	}
}

// safeMatch treats a panicking predicate as a non-match.
func safeMatch(p Predicate, sig *signal.Signal) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return p(sig)
}

// pathEntry tracks a node and the key used to reach it, for pruning.
type pathEntry struct {
	node *trieNode
	key  string
}

// Remove deletes every entry registered at exactly path and prunes empty
// nodes bottom-up. It returns the number of entries removed.
func (t *Trie) Remove(path string) (int, error) {
	return t.removeWhere(path, func(handler) bool { return true })
}

// RemoveOwner deletes only the entries at path created by owner.
func (t *Trie) RemoveOwner(path, owner string) (int, error) {
	return t.removeWhere(path, func(h handler) bool { return h.owner == owner })
}

// RemoveUnowned deletes the entries at path that no subscription owns.
func (t *Trie) RemoveUnowned(path string) (int, error) {
	return t.RemoveOwner(path, "")
}

func (t *Trie) removeWhere(path string, drop func(handler) bool) (int, error) {
	segments, err := ValidatePath(path)
	if err != nil {
		return 0, err
	}
	if t.root == nil {
		return 0, nil
	}

	trail := make([]pathEntry, 0, len(segments)+1)
	trail = append(trail, pathEntry{node: t.root})
	node := t.root
	for _, seg := range segments {
		child := node.children[seg]
		if child == nil {
			return 0, nil
		}
		trail = append(trail, pathEntry{node: child, key: seg})
		node = child
	}

	var removed int
	node.handlers, removed = filterHandlers(node.handlers, drop)
	var n int
	node.matchers, n = filterHandlers(node.matchers, drop)
	removed += n
	if removed == 0 {
		return 0, nil
	}

	for i := len(trail) - 1; i > 0; i-- {
		if !trail[i].node.isEmpty() {
			break
		}
		delete(trail[i-1].node.children, trail[i].key)
	}
	return removed, nil
}

func filterHandlers(bag []handler, drop func(handler) bool) ([]handler, int) {
	kept := bag[:0]
	removed := 0
	for _, h := range bag {
		if drop(h) {
			removed++
			continue
		}
		kept = append(kept, h)
	}
	for i := len(kept); i < len(bag); i++ {
		bag[i] = handler{}
	}
	return kept, removed
}

// Count returns the number of stored entries.
func (t *Trie) Count() int {
	if t.root == nil {
		return 0
	}
	return countNode(t.root)
}

func countNode(n *trieNode) int {
	total := len(n.handlers) + len(n.matchers)
	for _, child := range n.children {
		total += countNode(child)
	}
	return total
}

// Collect returns every stored entry as a Route. Children are visited in
// sorted segment order so the output is deterministic.
func (t *Trie) Collect() []Route {
	if t.root == nil {
		return nil
	}
	var out []Route
	collectNode(t.root, &out)
	return out
}

func collectNode(n *trieNode, out *[]Route) {
	for _, h := range n.handlers {
		*out = append(*out, h.route())
	}
	for _, h := range n.matchers {
		*out = append(*out, h.route())
	}
	keys := make([]string, 0, len(n.children))
	for k := range n.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		collectNode(n.children[k], out)
	}
}

// Clone returns a deep copy of the trie structure. Targets and predicates
// are shared.
func (t *Trie) Clone() *Trie {
	if t == nil || t.root == nil {
		return NewTrie()
	}
	return &Trie{root: cloneNode(t.root)}
}

func cloneNode(n *trieNode) *trieNode {
	cp := &trieNode{
		children: make(map[string]*trieNode, len(n.children)),
		handlers: append([]handler(nil), n.handlers...),
		matchers: append([]handler(nil), n.matchers...),
	}
	for k, child := range n.children {
		cp.children[k] = cloneNode(child)
	}
	return cp
}
