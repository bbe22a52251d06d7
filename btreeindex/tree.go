package btreeindex

import "fmt"

// Tree bundles the fixed layout and key/value codecs needed to interpret
// pages as nodes. It carries no storage of its own — operations take an
// explicit *ReadTransaction or *WriteTransaction, keeping the tree
// algorithms separate from the page arena they run against.
type Tree[K, V any] struct {
	layout Layout
	kc     KeyCodec[K]
	vc     ValueCodec[V]
}

func NewTree[K, V any](layout Layout, kc KeyCodec[K], vc ValueCodec[V]) *Tree[K, V] {
	return &Tree[K, V]{layout: layout, kc: kc, vc: vc}
}

func (t *Tree[K, V]) Layout() Layout { return t.layout }

// InitEmptyRoot writes a brand-new, empty leaf into data, used the first
// time a Store creates its tree file.
func (t *Tree[K, V]) InitEmptyRoot(data []byte) {
	InitLeaf(data, t.layout)
}

func allocatePage(layout Layout) func() []byte {
	return func() []byte { return make([]byte, layout.PageSize) }
}

// Get looks up key in the snapshot rtx observes.
func (t *Tree[K, V]) Get(rtx *ReadTransaction, key K) (V, bool, error) {
	var zero V

	id := rtx.Root()
	for {
		pr, err := rtx.GetPage(id)
		if err != nil {
			return zero, false, err
		}
		nv := NewNodeView(pr.Bytes(), t.layout)

		if nv.Tag() == TagLeaf {
			pos, found := BinarySearchLeaf(nv, t.kc, key)
			if !found {
				return zero, false, nil
			}
			return t.vc.Unmarshal(nv.leafValueSlot(pos)), true, nil
		}

		id = nv.childSlot(UpperPivot(nv, t.kc, key))
	}
}

// Insert adds (key, value) to the tree visible through tx. Returns
// ErrDuplicateKey if key is already present — no silent overwrite.
func (t *Tree[K, V]) Insert(tx *WriteTransaction, key K, value V) error {
	path, childIdx, err := descendAndShadow(tx, t.layout, t.kc, key)
	if err != nil {
		return err
	}
	if err := redirectPath(tx.storage, t.layout, path, childIdx); err != nil {
		return err
	}
	tx.SetRoot(path[0])

	leafID := path[len(path)-1]
	pr, err := tx.storage.MutPage(leafID)
	if err != nil {
		return err
	}
	leafView := NewNodeView(pr.Bytes(), t.layout)

	status, splitKey, newBuf := LeafInsert(leafView, t.kc, t.vc, key, value, allocatePage(t.layout))
	switch status {
	case LeafInsertDuplicateKey:
		return ErrDuplicateKey
	case LeafInsertOk:
		return nil
	}

	rightID, err := tx.NewNode(newBuf)
	if err != nil {
		return err
	}
	return t.propagateSplit(tx, path, len(path)-1, splitKey, rightID)
}

// propagateSplit inserts (key, rightID) into the parent of the node that
// just split (path[idx]). If idx is the root, the tree grows a level.
func (t *Tree[K, V]) propagateSplit(tx *WriteTransaction, path []PageId, idx int, key K, rightID PageId) error {
	if idx == 0 {
		newRootID, pr, err := tx.AllocateNode()
		if err != nil {
			return err
		}
		nv := InitInternal(pr.Bytes(), t.layout)
		InternalInsertFirst(nv, t.kc, key, path[0], rightID)
		tx.SetRoot(newRootID)
		return nil
	}

	parentID := path[idx-1]
	pr, err := tx.storage.MutPage(parentID)
	if err != nil {
		return err
	}
	parentView := NewNodeView(pr.Bytes(), t.layout)

	status, splitKey, newBuf := InternalInsert(parentView, t.kc, key, rightID, allocatePage(t.layout))
	if status == InternalInsertOk {
		return nil
	}

	newRightID, err := tx.NewNode(newBuf)
	if err != nil {
		return err
	}
	return t.propagateSplit(tx, path, idx-1, splitKey, newRightID)
}

// Update overwrites the value stored at an existing key. Returns
// ErrKeyNotFound if key is absent, so a missing key is always surfaced
// rather than silently ignored (see DESIGN.md).
func (t *Tree[K, V]) Update(tx *WriteTransaction, key K, value V) error {
	path, childIdx, err := descendAndShadow(tx, t.layout, t.kc, key)
	if err != nil {
		return err
	}
	if err := redirectPath(tx.storage, t.layout, path, childIdx); err != nil {
		return err
	}
	tx.SetRoot(path[0])

	leafID := path[len(path)-1]
	pr, err := tx.storage.MutPage(leafID)
	if err != nil {
		return err
	}
	nv := NewNodeView(pr.Bytes(), t.layout)

	pos, found := BinarySearchLeaf(nv, t.kc, key)
	if !found {
		return ErrKeyNotFound
	}
	UpdateLeafValue(nv, t.vc, pos, value)
	return nil
}

// Delete removes key. Returns ErrKeyNotFound if absent.
func (t *Tree[K, V]) Delete(tx *WriteTransaction, key K) error {
	path, childIdx, err := descendAndShadow(tx, t.layout, t.kc, key)
	if err != nil {
		return err
	}
	if err := redirectPath(tx.storage, t.layout, path, childIdx); err != nil {
		return err
	}
	tx.SetRoot(path[0])

	leafID := path[len(path)-1]
	pr, err := tx.storage.MutPage(leafID)
	if err != nil {
		return err
	}
	leafView := NewNodeView(pr.Bytes(), t.layout)

	status, err := LeafDelete(leafView, t.kc, t.vc, key)
	if err != nil {
		return err
	}
	if status == LeafDeleteOk {
		return nil
	}

	return t.cascadeUnderflow(tx, path, childIdx, len(path)-1)
}

func anchorPtr(childPos int) *int {
	if childPos == 0 {
		return nil
	}
	a := childPos - 1
	return &a
}

// cascadeUnderflow repairs an underfull node at path[level] by borrowing
// from or merging with a sibling, reached through its parent
// path[level-1]. Merging may itself underfill the parent, in which case
// the cascade continues one level up.
func (t *Tree[K, V]) cascadeUnderflow(tx *WriteTransaction, path []PageId, childIdx []int, level int) error {
	if level == 0 {
		// the root has no minimum-occupancy requirement.
		return nil
	}

	parentLevel := level - 1
	parentID := path[parentLevel]

	parentPR, err := tx.storage.MutPage(parentID)
	if err != nil {
		return err
	}
	parentView := NewNodeView(parentPR.Bytes(), t.layout)

	childPos := childIdx[parentLevel]
	hasLeft := childPos > 0
	hasRight := childPos < parentView.N()

	isLeaf := level == len(path)-1
	capacity := t.layout.InternalCapacity
	if isLeaf {
		capacity = t.layout.LeafCapacity
	}
	minOcc := minOccupancy(capacity)

	var leftLen, rightLen int
	var leftID, rightID PageId
	if hasLeft {
		leftID = parentView.childSlot(childPos - 1)
		if leftLen, err = siblingLen(tx.storage, t.layout, leftID); err != nil {
			return err
		}
	}
	if hasRight {
		rightID = parentView.childSlot(childPos + 1)
		if rightLen, err = siblingLen(tx.storage, t.layout, rightID); err != nil {
			return err
		}
	}

	decision := DecideRebalance(hasLeft, hasRight, leftLen, rightLen, minOcc)

	selfID := path[level]
	selfPR, err := tx.storage.MutPage(selfID)
	if err != nil {
		return err
	}
	selfView := NewNodeView(selfPR.Bytes(), t.layout)

	switch decision {
	case RebalanceTakeFromLeft:
		leftPR, leftNewID, err := tx.Mutate(leftID)
		if err != nil {
			return err
		}
		parentView.setChild(childPos-1, leftNewID)
		leftView := NewNodeView(leftPR.Bytes(), t.layout)
		anchor := childPos - 1
		if isLeaf {
			LeafTakeFromLeft(parentView, anchor, leftView, selfView, t.kc, t.vc)
		} else {
			InternalTakeFromLeft(parentView, anchor, leftView, selfView, t.kc)
		}
		return nil

	case RebalanceTakeFromRight:
		rightPR, rightNewID, err := tx.Mutate(rightID)
		if err != nil {
			return err
		}
		parentView.setChild(childPos+1, rightNewID)
		rightView := NewNodeView(rightPR.Bytes(), t.layout)
		anchor := anchorPtr(childPos)
		if isLeaf {
			LeafTakeFromRight(parentView, anchor, selfView, rightView, t.kc, t.vc)
		} else {
			InternalTakeFromRight(parentView, anchor, selfView, rightView, t.kc)
		}
		return nil

	case RebalanceMergeIntoLeft:
		leftPR, leftNewID, err := tx.Mutate(leftID)
		if err != nil {
			return err
		}
		parentView.setChild(childPos-1, leftNewID)
		leftView := NewNodeView(leftPR.Bytes(), t.layout)
		anchor := childPos - 1
		if isLeaf {
			LeafMergeIntoLeft(leftView, selfView, t.kc, t.vc)
		} else {
			InternalMergeIntoLeft(parentView, anchor, leftView, selfView, t.kc)
		}
		tx.DeleteNode(selfID)

		dstatus, lastChild := DeleteKeyChildren(parentView, t.kc, anchor)
		return t.handleParentDelete(tx, path, childIdx, parentLevel, dstatus, lastChild)

	case RebalanceMergeIntoSelf:
		rightPR, rightNewID, err := tx.Mutate(rightID)
		if err != nil {
			return err
		}
		parentView.setChild(childPos+1, rightNewID)
		rightView := NewNodeView(rightPR.Bytes(), t.layout)
		anchor := anchorPtr(childPos)
		if isLeaf {
			LeafMergeIntoSelf(selfView, rightView, t.kc, t.vc)
		} else {
			InternalMergeIntoSelf(parentView, anchor, selfView, rightView, t.kc)
		}
		tx.DeleteNode(rightID)

		sepIdx := rightSeparatorIndex(anchor)
		dstatus, lastChild := DeleteKeyChildren(parentView, t.kc, sepIdx)
		return t.handleParentDelete(tx, path, childIdx, parentLevel, dstatus, lastChild)
	}

	return fmt.Errorf("btreeindex: unreachable rebalance decision %v", decision)
}

// handleParentDelete interprets the result of removing a key+child from
// path[level] (an internal node) after one of its children merged away.
func (t *Tree[K, V]) handleParentDelete(tx *WriteTransaction, path []PageId, childIdx []int, level int, status InternalDeleteStatus, lastChild PageId) error {
	switch status {
	case InternalDeleteOk:
		return nil
	case InternalDeleteNeedsRebalance:
		return t.cascadeUnderflow(tx, path, childIdx, level)
	case InternalDeleteLastValue:
		if level == 0 {
			tx.SetRoot(lastChild)
			tx.DeleteNode(path[0])
			return nil
		}
		grandParentID := path[level-1]
		gpr, err := tx.storage.MutPage(grandParentID)
		if err != nil {
			return err
		}
		NewNodeView(gpr.Bytes(), t.layout).setChild(childIdx[level-1], lastChild)
		tx.DeleteNode(path[level])
		return nil
	}
	return nil
}

// --- Range ---

type rangeFrame struct {
	node NodeView
	next int
}

// RangeIterator walks keys in ascending order starting from a lower
// bound, holding the ReadTransaction (and therefore the snapshot it
// pins) alive for its entire lifetime.
type RangeIterator[K, V any] struct {
	rtx    *ReadTransaction
	layout Layout
	kc     KeyCodec[K]
	vc     ValueCodec[V]

	stack []rangeFrame
	leaf  NodeView
	pos   int

	end    K
	hasEnd bool
}

// Range returns an iterator over the half-open interval [start, end). A
// nil start begins at the smallest key; a nil end continues to the
// largest key.
func (t *Tree[K, V]) Range(rtx *ReadTransaction, start, end *K) (*RangeIterator[K, V], error) {
	it := &RangeIterator[K, V]{rtx: rtx, layout: t.layout, kc: t.kc, vc: t.vc}
	if end != nil {
		it.end = *end
		it.hasEnd = true
	}

	id := rtx.Root()
	for {
		pr, err := rtx.GetPage(id)
		if err != nil {
			return nil, err
		}
		nv := NewNodeView(pr.Bytes(), t.layout)

		if nv.Tag() == TagLeaf {
			it.leaf = nv
			if start != nil {
				pos, _ := BinarySearchLeaf(nv, t.kc, *start)
				it.pos = pos
			}
			return it, nil
		}

		var childPos int
		if start != nil {
			childPos = UpperPivot(nv, t.kc, *start)
		}
		it.stack = append(it.stack, rangeFrame{node: nv, next: childPos + 1})
		id = nv.childSlot(childPos)
	}
}

// descendLeftmost pushes frames for every internal node on the way down
// to the leftmost leaf of the subtree rooted at id, and positions the
// iterator at that leaf's first slot.
func (it *RangeIterator[K, V]) descendLeftmost(id PageId) error {
	for {
		pr, err := it.rtx.GetPage(id)
		if err != nil {
			return err
		}
		nv := NewNodeView(pr.Bytes(), it.layout)
		if nv.Tag() == TagLeaf {
			it.leaf = nv
			it.pos = 0
			return nil
		}
		it.stack = append(it.stack, rangeFrame{node: nv, next: 1})
		id = nv.childSlot(0)
	}
}

// Next returns the next (key, value) pair, or ok=false once the range
// (or the tree) is exhausted.
func (it *RangeIterator[K, V]) Next() (key K, value V, ok bool, err error) {
	for {
		if it.pos < it.leaf.N() {
			k := it.kc.Unmarshal(it.leaf.keySlot(it.pos))
			if it.hasEnd && it.kc.Compare(k, it.end) >= 0 {
				return key, value, false, nil
			}
			v := it.vc.Unmarshal(it.leaf.leafValueSlot(it.pos))
			it.pos++
			return k, v, true, nil
		}

		// climb until a frame still has an unvisited child.
		for len(it.stack) > 0 {
			top := &it.stack[len(it.stack)-1]
			if top.next <= top.node.N() {
				childID := top.node.childSlot(top.next)
				top.next++
				if err := it.descendLeftmost(childID); err != nil {
					return key, value, false, err
				}
				goto haveLeaf
			}
			it.stack = it.stack[:len(it.stack)-1]
		}
		return key, value, false, nil

	haveLeaf:
	}
}
