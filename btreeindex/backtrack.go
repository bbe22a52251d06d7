package btreeindex

// This file captures the root-to-leaf descent path for a mutation and
// the bookkeeping needed to fix up parent pointers afterward: shadow
// every node a mutation touches, then redirect each parent's child
// pointer to its shadow, expressed as plain recursive/iterative
// functions rather than a dedicated borrow-scoped context type. See
// DESIGN.md's open questions for the rationale.

// descendAndShadow walks from the current root to the leaf that should
// contain key, eagerly duplicating every node along the way so none of
// the old path is ever mutated in place. It returns the shadowed ids
// from root to leaf, and, for every internal level, the index of the
// child chosen at that level.
func descendAndShadow[K any](tx *WriteTransaction, layout Layout, kc KeyCodec[K], key K) ([]PageId, []int, error) {
	var path []PageId
	var childIdx []int

	id := tx.Root()
	for {
		pr, newID, err := tx.Mutate(id)
		if err != nil {
			return nil, nil, err
		}
		path = append(path, newID)

		nv := NewNodeView(pr.Bytes(), layout)
		if nv.Tag() == TagLeaf {
			return path, childIdx, nil
		}

		pos := UpperPivot(nv, kc, key)
		childIdx = append(childIdx, pos)
		id = nv.childSlot(pos)
	}
}

// redirectPath fixes up every parent's child pointer along path to point
// at its (already shadowed) child, walking bottom-up since a parent's own
// id may itself have just changed.
func redirectPath(storage *Storage, layout Layout, path []PageId, childIdx []int) error {
	for i := len(path) - 2; i >= 0; i-- {
		pr, err := storage.MutPage(path[i])
		if err != nil {
			return err
		}
		nv := NewNodeView(pr.Bytes(), layout)
		nv.setChild(childIdx[i], path[i+1])
	}
	return nil
}

// siblingLen peeks at a page's key count without shadowing it, used to
// decide a rebalance action before committing to mutating a sibling.
func siblingLen(storage *Storage, layout Layout, id PageId) (int, error) {
	pr, err := storage.GetPage(id)
	if err != nil {
		return 0, err
	}
	return NewNodeView(pr.Bytes(), layout).N(), nil
}
