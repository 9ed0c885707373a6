package notes

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
)

const TreeDepth = 32

var ErrLeafNotFound = errors.New("leaf not in tree")

type ProofPath struct {
	Index    uint64
	Siblings [TreeDepth]*big.Int
}

// TreeOracle answers commitment tree queries. The on-chain pool and its
// indexer live behind it.
type TreeOracle interface {
	GetRoot(ctx context.Context) (*big.Int, error)
	GetProofPath(ctx context.Context, leaf *big.Int) (*ProofPath, error)
}

// TreeAppender is implemented by oracles the client itself maintains.
type TreeAppender interface {
	Append(ctx context.Context, leaf *big.Int) (uint64, error)
}

// MemoryTree is an append-only sparse Poseidon Merkle tree.
type MemoryTree struct {
	mu     sync.RWMutex
	zeros  [TreeDepth + 1]*big.Int
	nodes  [TreeDepth + 1]map[uint64]*big.Int
	leaves map[string]uint64
	next   uint64
}

func NewMemoryTree() (*MemoryTree, error) {
	t := &MemoryTree{leaves: make(map[string]uint64)}
	t.zeros[0] = big.NewInt(0)
	for level := 0; level < TreeDepth; level++ {
		z, err := hash2(t.zeros[level], t.zeros[level])
		if err != nil {
			return nil, fmt.Errorf("zero hash at level %d: %w", level, err)
		}
		t.zeros[level+1] = z
	}
	for level := range t.nodes {
		t.nodes[level] = make(map[uint64]*big.Int)
	}
	return t, nil
}

func (t *MemoryTree) node(level int, index uint64) *big.Int {
	if v, ok := t.nodes[level][index]; ok {
		return v
	}
	return t.zeros[level]
}

func (t *MemoryTree) Append(_ context.Context, leaf *big.Int) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.next>>TreeDepth != 0 {
		return 0, errors.New("tree is full")
	}
	index := t.next
	current := new(big.Int).Set(leaf)
	t.nodes[0][index] = current
	for level := 0; level < TreeDepth; level++ {
		pos := index >> level
		var left, right *big.Int
		if pos&1 == 0 {
			left, right = current, t.node(level, pos+1)
		} else {
			left, right = t.node(level, pos-1), current
		}
		parent, err := hash2(left, right)
		if err != nil {
			return 0, err
		}
		t.nodes[level+1][pos>>1] = parent
		current = parent
	}
	t.leaves[leaf.String()] = index
	t.next++
	return index, nil
}

func (t *MemoryTree) GetRoot(_ context.Context) (*big.Int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.node(TreeDepth, 0)), nil
}

func (t *MemoryTree) GetProofPath(_ context.Context, leaf *big.Int) (*ProofPath, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	index, ok := t.leaves[leaf.String()]
	if !ok {
		return nil, ErrLeafNotFound
	}
	path := &ProofPath{Index: index}
	for level := 0; level < TreeDepth; level++ {
		path.Siblings[level] = new(big.Int).Set(t.node(level, (index>>level)^1))
	}
	return path, nil
}

// VerifyPath recomputes the root from a leaf and its path.
func VerifyPath(root, leaf *big.Int, path *ProofPath) (bool, error) {
	current := leaf
	for level := 0; level < TreeDepth; level++ {
		var err error
		if (path.Index>>level)&1 == 0 {
			current, err = hash2(current, path.Siblings[level])
		} else {
			current, err = hash2(path.Siblings[level], current)
		}
		if err != nil {
			return false, err
		}
	}
	return current.Cmp(root) == 0, nil
}
