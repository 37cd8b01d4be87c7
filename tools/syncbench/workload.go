package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/executor"
	"github.com/openeuler-mirror/distributed-codelabs-sub010/status"
)

type OpType int

const (
	OpGet OpType = iota
	OpPut
	OpDelete
)

func (o OpType) String() string {
	switch o {
	case OpGet:
		return "GET"
	case OpPut:
		return "PUT"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// KeyGenerator picks keys from a fixed key space shared by every device, so
// devices overwrite each other and conflicts are resolved during sync.
type KeyGenerator struct {
	prefix string
	keys   int
}

func NewKeyGenerator(prefix string, keys int) *KeyGenerator {
	return &KeyGenerator{prefix: prefix, keys: keys}
}

// RandomKey returns a key from the key space. rng belongs to the caller.
func (g *KeyGenerator) RandomKey(rng *rand.Rand) string {
	return fmt.Sprintf("%s_%08d", g.prefix, rng.Intn(g.keys))
}

// Operation is one local operation against a device.
type Operation struct {
	Type  OpType
	Key   string
	Value []byte
}

// OpSelector selects operations based on the workload distribution.
type OpSelector struct {
	thresholds [3]int
	rng        *rand.Rand
}

func NewOpSelector(dist WorkloadDistribution, seed int64) *OpSelector {
	s := &OpSelector{rng: rand.New(rand.NewSource(seed))}
	s.thresholds[0] = dist.Get
	s.thresholds[1] = s.thresholds[0] + dist.Put
	s.thresholds[2] = s.thresholds[1] + dist.Delete
	return s
}

func (s *OpSelector) Select() OpType {
	r := s.rng.Intn(100)
	if r < s.thresholds[0] {
		return OpGet
	}
	if r < s.thresholds[1] {
		return OpPut
	}
	return OpDelete
}

func generateValue(rng *rand.Rand, size int) []byte {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, size)
	for i := range b {
		b[i] = chars[rng.Intn(len(chars))]
	}
	return b
}

// ExecuteOp runs op on ex. Missing keys are not errors for benchmark purposes.
func ExecuteOp(ctx context.Context, ex *executor.Executor, op Operation) error {
	var err error
	switch op.Type {
	case OpGet:
		_, err = ex.Get(ctx, []byte(op.Key))
	case OpPut:
		err = ex.Put(ctx, []byte(op.Key), op.Value)
	case OpDelete:
		err = ex.Delete(ctx, []byte(op.Key))
	default:
		return fmt.Errorf("unknown operation type: %v", op.Type)
	}
	if errors.Is(err, status.ErrNotFound) || errors.Is(err, status.ErrIgnoreData) {
		return nil
	}
	return err
}

// IsRetryableError reports whether the store asked the caller to retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, status.ErrBusy)
}
