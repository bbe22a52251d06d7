package btreeindex

import "encoding/binary"

// NodeTag discriminates a page's contents: a leaf holds keys and values, an
// internal node holds keys and child PageIds.
type NodeTag uint8

const (
	TagLeaf NodeTag = 0
	TagInternal NodeTag = 1
)

const nodeHeaderSize = 8 // tag(1) + reserved(1) + n(2) + reserved(4)

// Layout derives per-page capacity from the static, once-written settings
// (page size, key size, value size). Leaf and internal nodes have distinct
// capacities because leaf values and internal child pointers (4 bytes) are
// rarely the same width.
type Layout struct {
	PageSize         uint32
	KeySize          uint32
	ValueSize        uint32
	LeafCapacity     uint32
	InternalCapacity uint32
}

// NewLayout computes the maximum key count per leaf and internal node
// for the given fixed page/key/value sizes.
func NewLayout(pageSize uint16, keySize, valueSize uint32) (Layout, error) {
	const childSize = 4

	if uint32(pageSize) <= nodeHeaderSize+childSize {
		return Layout{}, ErrInvalidPageSize
	}

	avail := uint32(pageSize) - nodeHeaderSize
	leafCap := avail / (keySize + valueSize)
	internalCap := (avail - childSize) / (keySize + childSize)

	if leafCap < 2 || internalCap < 2 {
		return Layout{}, ErrInvalidPageSize
	}

	return Layout{
		PageSize:         uint32(pageSize),
		KeySize:          keySize,
		ValueSize:        valueSize,
		LeafCapacity:     leafCap,
		InternalCapacity: internalCap,
	}, nil
}

// minOccupancy is the "underfull" threshold below which a node must be
// rebalanced: ceil(capacity/2).
func minOccupancy(capacity uint32) int {
	return int((capacity + 1) / 2)
}

// NodeView is a typed overlay over a page's raw bytes. It never owns the
// bytes: callers obtain it from a PageRef/PageRefMut (read-only data) and a
// Layout (from the tree's static settings).
type NodeView struct {
	data   []byte
	layout Layout
}

func NewNodeView(data []byte, layout Layout) NodeView {
	return NodeView{data: data, layout: layout}
}

func (nv NodeView) Tag() NodeTag { return NodeTag(nv.data[0]) }

func (nv NodeView) setTag(t NodeTag) { nv.data[0] = byte(t) }

func (nv NodeView) N() int { return int(binary.LittleEndian.Uint16(nv.data[2:4])) }

func (nv NodeView) setN(n int) { binary.LittleEndian.PutUint16(nv.data[2:4], uint16(n)) }

func (nv NodeView) keySlot(i int) []byte {
	off := nodeHeaderSize + i*int(nv.layout.KeySize)
	return nv.data[off : off+int(nv.layout.KeySize)]
}

func (nv NodeView) leafValueSlot(i int) []byte {
	base := nodeHeaderSize + int(nv.layout.LeafCapacity)*int(nv.layout.KeySize)
	off := base + i*int(nv.layout.ValueSize)
	return nv.data[off : off+int(nv.layout.ValueSize)]
}

func (nv NodeView) childSlot(i int) PageId {
	base := nodeHeaderSize + int(nv.layout.InternalCapacity)*int(nv.layout.KeySize)
	off := base + i*4
	return binary.LittleEndian.Uint32(nv.data[off : off+4])
}

func (nv NodeView) setChild(i int, id PageId) {
	base := nodeHeaderSize + int(nv.layout.InternalCapacity)*int(nv.layout.KeySize)
	off := base + i*4
	binary.LittleEndian.PutUint32(nv.data[off:off+4], id)
}

// InitLeaf resets data as an empty leaf node.
func InitLeaf(data []byte, layout Layout) NodeView {
	nv := NodeView{data: data, layout: layout}
	nv.setTag(TagLeaf)
	nv.setN(0)
	return nv
}

// InitInternal resets data as an empty internal node.
func InitInternal(data []byte, layout Layout) NodeView {
	nv := NodeView{data: data, layout: layout}
	nv.setTag(TagInternal)
	nv.setN(0)
	return nv
}

func insertAt[T any](s []T, i int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt[T any](s []T, i int) []T {
	copy(s[i:], s[i+1:])
	return s[:len(s)-1]
}

// --- Generic key/value extraction and writeback ---

func leafKeys[K any](nv NodeView, kc KeyCodec[K]) []K {
	n := nv.N()
	out := make([]K, n)
	for i := 0; i < n; i++ {
		out[i] = kc.Unmarshal(nv.keySlot(i))
	}
	return out
}

func leafValues[V any](nv NodeView, vc ValueCodec[V]) []V {
	n := nv.N()
	out := make([]V, n)
	for i := 0; i < n; i++ {
		out[i] = vc.Unmarshal(nv.leafValueSlot(i))
	}
	return out
}

func writeLeaf[K, V any](nv NodeView, kc KeyCodec[K], vc ValueCodec[V], keys []K, values []V) {
	for i, k := range keys {
		kc.Marshal(k, nv.keySlot(i))
	}
	for i, v := range values {
		vc.Marshal(v, nv.leafValueSlot(i))
	}
	nv.setN(len(keys))
}

func internalKeys[K any](nv NodeView, kc KeyCodec[K]) []K {
	n := nv.N()
	out := make([]K, n)
	for i := 0; i < n; i++ {
		out[i] = kc.Unmarshal(nv.keySlot(i))
	}
	return out
}

func internalChildren(nv NodeView) []PageId {
	n := nv.N()
	out := make([]PageId, n+1)
	for i := 0; i <= n; i++ {
		out[i] = nv.childSlot(i)
	}
	return out
}

func writeInternal[K any](nv NodeView, kc KeyCodec[K], keys []K, children []PageId) {
	for i, k := range keys {
		kc.Marshal(k, nv.keySlot(i))
	}
	for i, c := range children {
		nv.setChild(i, c)
	}
	nv.setN(len(keys))
}

// BinarySearchLeaf searches for key among a leaf's keys, returning (pos,
// true) if present (pos is the matching index), or (pos, false) if absent
// (pos is the insertion point preserving sort order).
func BinarySearchLeaf[K any](nv NodeView, kc KeyCodec[K], key K) (int, bool) {
	lo, hi := 0, nv.N()
	for lo < hi {
		mid := (lo + hi) / 2
		c := kc.Compare(kc.Unmarshal(nv.keySlot(mid)), key)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// UpperPivot implements the internal-node descent rule: on an exact key
// match at index i, descend into children[i+1]; on a miss at
// insertion point i, descend into children[i] (clamped to the last
// child).
func UpperPivot[K any](nv NodeView, kc KeyCodec[K], key K) int {
	n := nv.N()
	pos, found := BinarySearchLeaf(nv, kc, key)
	if found {
		pos++
	}
	if pos > n {
		pos = n
	}
	return pos
}

// --- Leaf insert/delete ---

type LeafInsertStatus int

const (
	LeafInsertOk LeafInsertStatus = iota
	LeafInsertDuplicateKey
	LeafInsertSplit
)

// LeafInsert inserts (key, value) into the leaf viewed by nv. On split, it
// calls allocate() for a zero-valued page buffer, writes the right half
// into it, and returns the promoted split key alongside that buffer; the
// caller (tree.go) is responsible for actually registering the buffer as a
// new page via the active WriteTransaction.
func LeafInsert[K, V any](nv NodeView, kc KeyCodec[K], vc ValueCodec[V], key K, value V, allocate func() []byte) (status LeafInsertStatus, splitKey K, newNode []byte) {
	pos, found := BinarySearchLeaf(nv, kc, key)
	if found {
		status = LeafInsertDuplicateKey
		return
	}

	keys := insertAt(leafKeys(nv, kc), pos, key)
	values := insertAt(leafValues(nv, vc), pos, value)

	if len(keys) <= int(nv.layout.LeafCapacity) {
		writeLeaf(nv, kc, vc, keys, values)
		status = LeafInsertOk
		return
	}

	leftCount := (len(keys) + 1) / 2
	writeLeaf(nv, kc, vc, keys[:leftCount], values[:leftCount])

	buf := allocate()
	right := InitLeaf(buf, nv.layout)
	writeLeaf(right, kc, vc, keys[leftCount:], values[leftCount:])

	return LeafInsertSplit, keys[leftCount], buf
}

type LeafDeleteStatus int

const (
	LeafDeleteOk LeafDeleteStatus = iota
	LeafDeleteNeedsRebalance
)

// LeafDelete removes key from the leaf. Returns ErrKeyNotFound if absent.
func LeafDelete[K, V any](nv NodeView, kc KeyCodec[K], vc ValueCodec[V], key K) (LeafDeleteStatus, error) {
	pos, found := BinarySearchLeaf(nv, kc, key)
	if !found {
		return LeafDeleteOk, ErrKeyNotFound
	}

	keys := removeAt(leafKeys(nv, kc), pos)
	values := removeAt(leafValues(nv, vc), pos)
	writeLeaf(nv, kc, vc, keys, values)

	if len(keys) < minOccupancy(nv.layout.LeafCapacity) {
		return LeafDeleteNeedsRebalance, nil
	}
	return LeafDeleteOk, nil
}

// UpdateLeafValue overwrites the value at an already-known position,
// supporting Tree.Update's pure value-overwrite path.
func UpdateLeafValue[V any](nv NodeView, vc ValueCodec[V], pos int, value V) {
	vc.Marshal(value, nv.leafValueSlot(pos))
}

// --- Internal insert/delete ---

type InternalInsertStatus int

const (
	InternalInsertOk InternalInsertStatus = iota
	InternalInsertSplit
)

// InternalInsert inserts a (separatorKey, rightChild) pair, used when
// promoting a split from a lower level. allocate/newNode behave as in
// LeafInsert.
func InternalInsert[K any](nv NodeView, kc KeyCodec[K], key K, rightChild PageId, allocate func() []byte) (status InternalInsertStatus, splitKey K, newNode []byte) {
	pos, _ := BinarySearchLeaf(nv, kc, key)

	keys := insertAt(internalKeys(nv, kc), pos, key)
	children := insertAt(internalChildren(nv), pos+1, rightChild)

	if len(keys) <= int(nv.layout.InternalCapacity) {
		writeInternal(nv, kc, keys, children)
		status = InternalInsertOk
		return
	}

	mid := len(keys) / 2
	median := keys[mid]

	buf := allocate()
	right := InitInternal(buf, nv.layout)
	writeInternal(right, kc, keys[mid+1:], children[mid+1:])
	writeInternal(nv, kc, keys[:mid], children[:mid+1])

	return InternalInsertSplit, median, buf
}

// InternalInsertFirst initializes a brand-new root with a single
// separator key and two children, used when the whole tree grows a level.
func InternalInsertFirst[K any](nv NodeView, kc KeyCodec[K], key K, left, right PageId) {
	writeInternal(nv, kc, []K{key}, []PageId{left, right})
}

type InternalDeleteStatus int

const (
	InternalDeleteOk InternalDeleteStatus = iota
	InternalDeleteNeedsRebalance
	InternalDeleteLastValue
)

// DeleteKeyChildren removes the key at anchor and its associated right
// child (children[anchor+1]). If the node becomes keyless, it reports
// InternalDeleteLastValue with the single remaining child, to be
// spliced into the node's parent by the caller.
func DeleteKeyChildren[K any](nv NodeView, kc KeyCodec[K], anchor int) (InternalDeleteStatus, PageId) {
	keys := removeAt(internalKeys(nv, kc), anchor)
	children := removeAt(internalChildren(nv), anchor+1)

	if len(keys) == 0 {
		return InternalDeleteLastValue, children[0]
	}

	writeInternal(nv, kc, keys, children)

	if len(keys) < minOccupancy(nv.layout.InternalCapacity) {
		return InternalDeleteNeedsRebalance, 0
	}
	return InternalDeleteOk, 0
}

// --- Rebalance decision ---

type RebalanceDecision int

const (
	RebalanceTakeFromLeft RebalanceDecision = iota
	RebalanceTakeFromRight
	RebalanceMergeIntoLeft
	RebalanceMergeIntoSelf
)

// DecideRebalance implements the rebalance policy: prefer borrowing from
// a sibling that has more than the minimum occupancy (left
// preferred on ties), otherwise merge (into the left sibling when one
// exists, otherwise the leftmost child merges its right sibling into
// itself).
func DecideRebalance(hasLeft, hasRight bool, leftLen, rightLen int, minOcc int) RebalanceDecision {
	if hasLeft && leftLen > minOcc {
		return RebalanceTakeFromLeft
	}
	if hasRight && rightLen > minOcc {
		return RebalanceTakeFromRight
	}
	if hasLeft {
		return RebalanceMergeIntoLeft
	}
	return RebalanceMergeIntoSelf
}

// --- Leaf rebalance actions ---

// LeafTakeFromLeft moves the left sibling's last (key,value) to the front
// of self, and rewrites the parent's separator key at anchor to match
// self's new first key.
func LeafTakeFromLeft[K, V any](parent NodeView, anchor int, left, self NodeView, kc KeyCodec[K], vc ValueCodec[V]) {
	lk := leafKeys(left, kc)
	lv := leafValues(left, vc)
	n := len(lk)

	borrowedKey, borrowedVal := lk[n-1], lv[n-1]
	writeLeaf(left, kc, vc, lk[:n-1], lv[:n-1])

	sk := insertAt(leafKeys(self, kc), 0, borrowedKey)
	sv := insertAt(leafValues(self, vc), 0, borrowedVal)
	writeLeaf(self, kc, vc, sk, sv)

	pk := internalKeys(parent, kc)
	pk[anchor] = borrowedKey
	writeInternal(parent, kc, pk, internalChildren(parent))
}

// LeafTakeFromRight moves the right sibling's first (key,value) to the
// tail of self, updating the parent's separator key for the right
// sibling. anchor is nil when self is the leftmost child (separator index
// 0), otherwise the separator is at anchor+1.
func LeafTakeFromRight[K, V any](parent NodeView, anchor *int, self, right NodeView, kc KeyCodec[K], vc ValueCodec[V]) {
	rk := leafKeys(right, kc)
	rv := leafValues(right, vc)

	borrowedKey, borrowedVal := rk[0], rv[0]
	writeLeaf(right, kc, vc, rk[1:], rv[1:])

	sk := append(leafKeys(self, kc), borrowedKey)
	sv := append(leafValues(self, vc), borrowedVal)
	writeLeaf(self, kc, vc, sk, sv)

	sepIdx := rightSeparatorIndex(anchor)
	pk := internalKeys(parent, kc)
	pk[sepIdx] = rk[1] // right sibling's new first key, pre-removal index 1
	writeInternal(parent, kc, pk, internalChildren(parent))
}

// LeafMergeIntoLeft appends self's keys/values onto left. self's page
// becomes garbage, to be freed by the caller.
func LeafMergeIntoLeft[K, V any](left, self NodeView, kc KeyCodec[K], vc ValueCodec[V]) {
	keys := append(leafKeys(left, kc), leafKeys(self, kc)...)
	values := append(leafValues(left, vc), leafValues(self, vc)...)
	writeLeaf(left, kc, vc, keys, values)
}

// LeafMergeIntoSelf appends right's keys/values onto self. right's page
// becomes garbage, to be freed by the caller.
func LeafMergeIntoSelf[K, V any](self, right NodeView, kc KeyCodec[K], vc ValueCodec[V]) {
	keys := append(leafKeys(self, kc), leafKeys(right, kc)...)
	values := append(leafValues(self, vc), leafValues(right, vc)...)
	writeLeaf(self, kc, vc, keys, values)
}

func rightSeparatorIndex(anchor *int) int {
	if anchor == nil {
		return 0
	}
	return *anchor + 1
}

// --- Internal rebalance actions ---

// InternalTakeFromLeft rotates the left sibling's last child through the
// parent's separator key at anchor into self.
func InternalTakeFromLeft[K any](parent NodeView, anchor int, left, self NodeView, kc KeyCodec[K]) {
	lk := internalKeys(left, kc)
	lc := internalChildren(left)
	nk, nc := len(lk), len(lc)

	borrowedKey := lk[nk-1]
	borrowedChild := lc[nc-1]
	writeInternal(left, kc, lk[:nk-1], lc[:nc-1])

	pk := internalKeys(parent, kc)
	sep := pk[anchor]
	pk[anchor] = borrowedKey
	writeInternal(parent, kc, pk, internalChildren(parent))

	sk := insertAt(internalKeys(self, kc), 0, sep)
	sc := insertAt(internalChildren(self), 0, borrowedChild)
	writeInternal(self, kc, sk, sc)
}

// InternalTakeFromRight rotates the right sibling's first child through
// the parent's separator key into self.
func InternalTakeFromRight[K any](parent NodeView, anchor *int, self, right NodeView, kc KeyCodec[K]) {
	sepIdx := rightSeparatorIndex(anchor)
	pk := internalKeys(parent, kc)
	sep := pk[sepIdx]

	rk := internalKeys(right, kc)
	rc := internalChildren(right)
	borrowedKey := rk[0]
	borrowedChild := rc[0]
	writeInternal(right, kc, rk[1:], rc[1:])

	pk[sepIdx] = borrowedKey
	writeInternal(parent, kc, pk, internalChildren(parent))

	sk := append(internalKeys(self, kc), sep)
	sc := append(internalChildren(self), borrowedChild)
	writeInternal(self, kc, sk, sc)
}

// InternalMergeIntoLeft pulls the parent's separator key at anchor down
// between left's and self's entries, concatenating self into left.
func InternalMergeIntoLeft[K any](parent NodeView, anchor int, left, self NodeView, kc KeyCodec[K]) {
	sep := internalKeys(parent, kc)[anchor]

	keys := append(internalKeys(left, kc), sep)
	keys = append(keys, internalKeys(self, kc)...)
	children := append(internalChildren(left), internalChildren(self)...)

	writeInternal(left, kc, keys, children)
}

// InternalMergeIntoSelf pulls the parent's separator key down between
// self's and right's entries, concatenating right into self.
func InternalMergeIntoSelf[K any](parent NodeView, anchor *int, self, right NodeView, kc KeyCodec[K]) {
	sepIdx := rightSeparatorIndex(anchor)
	sep := internalKeys(parent, kc)[sepIdx]

	keys := append(internalKeys(self, kc), sep)
	keys = append(keys, internalKeys(right, kc)...)
	children := append(internalChildren(self), internalChildren(right)...)

	writeInternal(self, kc, keys, children)
}
