package ivm

import (
	"encoding/binary"
	"io"
	"math/rand"
	"testing"

	faker "github.com/go-faker/faker/v4"

	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/multiset"
	"github.com/tursodatabase/qflux/pkg/prng"
)

// seededRand derives a math/rand source from pkg/prng so a property test's
// delta sequence is reproducible across runs without depending on
// math/rand's global state.
func seededRand(seed int64) *rand.Rand {
	var buf [8]byte
	if _, err := io.ReadFull(prng.New(seed), buf[:]); err != nil {
		panic(err)
	}
	return rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(buf[:]))))
}

type fakePerson struct {
	Name string `faker:"name"`
}

func kvNetKey(kv KV) string {
	return kv.Key.String() + "|" + dynval.Fingerprint(kv.Value)
}

func netMultiplicities(entries []multiset.Entry[KV]) map[string]int64 {
	out := map[string]int64{}
	for _, e := range multiset.ConsolidateBy(entries, kvNetKey) {
		out[kvNetKey(e.Value)] = e.Multiplicity
	}
	return out
}

// TestJoinOpBatchEquivalenceAgainstOneAtATimeProcessing checks the
// incremental-view-maintenance invariant that a join's net output does not
// depend on how its insert deltas are chunked into Run calls: one big batch
// must net out to the same matched/unmatched rows as feeding every delta
// through its own Run call.
func TestJoinOpBatchEquivalenceAgainstOneAtATimeProcessing(t *testing.T) {
	faker.SetCryptoSource(prng.New(7))
	rng := seededRand(1234)

	type delta struct {
		side int // 0=left, 1=right
		key  dynval.Key
	}

	var deltas []delta
	for i := int64(0); i < 10; i++ {
		if rng.Intn(2) == 0 {
			deltas = append(deltas, delta{side: 0, key: dynval.IntKey(i)})
		}
	}
	for i := int64(0); i < 10; i++ {
		if rng.Intn(2) == 0 {
			deltas = append(deltas, delta{side: 1, key: dynval.IntKey(i)})
		}
	}
	rng.Shuffle(len(deltas), func(i, j int) { deltas[i], deltas[j] = deltas[j], deltas[i] })

	rowFor := func(key dynval.Key) dynval.Value {
		var p fakePerson
		if err := faker.FakeData(&p); err != nil {
			t.Fatalf("faker.FakeData: %v", err)
		}
		return dynval.Object(map[string]dynval.Value{"id": dynval.Int(key.I), "name": dynval.String(p.Name)})
	}

	var leftBatch, rightBatch []multiset.Entry[KV]
	opSeq := &JoinOp{Mode: JoinInner, Combine: combineObjects}
	var seqOut []multiset.Entry[KV]
	for _, d := range deltas {
		row := rowFor(d.key)
		if d.side == 0 {
			leftBatch = append(leftBatch, entry(d.key, row, 1))
			out := run2(opSeq, []multiset.Entry[KV]{entry(d.key, row, 1)}, nil)
			seqOut = append(seqOut, out.GetInner()...)
		} else {
			rightBatch = append(rightBatch, entry(d.key, row, 1))
			out := run2(opSeq, nil, []multiset.Entry[KV]{entry(d.key, row, 1)})
			seqOut = append(seqOut, out.GetInner()...)
		}
	}

	opBatch := &JoinOp{Mode: JoinInner, Combine: combineObjects}
	batchOut := run2(opBatch, leftBatch, rightBatch)

	gotBatch := netMultiplicities(batchOut.GetInner())
	gotSeq := netMultiplicities(seqOut)

	if len(gotBatch) != len(gotSeq) {
		t.Fatalf("want batch and one-at-a-time processing to net out to the same rows, got %d vs %d", len(gotBatch), len(gotSeq))
	}
	for k, mult := range gotBatch {
		if gotSeq[k] != mult {
			t.Errorf("row %s: want net multiplicity %d from both batch and sequential processing, sequential gave %d", k, mult, gotSeq[k])
		}
	}
}

// TestJoinOpAntiJoinIsComplementOfInnerJoinOverTheSameInput verifies the
// identity that, for the same left/right input, every left row appears in
// exactly one of an inner join's matched output or an anti join's unmatched
// output, never both and never neither.
func TestJoinOpAntiJoinIsComplementOfInnerJoinOverTheSameInput(t *testing.T) {
	rng := seededRand(99)

	var left, right []multiset.Entry[KV]
	leftKeys := map[int64]bool{}
	for i := int64(0); i < 8; i++ {
		left = append(left, entry(dynval.IntKey(i), dynval.Object(map[string]dynval.Value{"id": dynval.Int(i)}), 1))
		leftKeys[i] = true
	}
	for i := int64(0); i < 8; i++ {
		if rng.Intn(2) == 0 {
			right = append(right, entry(dynval.IntKey(i), dynval.Object(map[string]dynval.Value{"id": dynval.Int(i)}), 1))
		}
	}

	inner := run2(&JoinOp{Mode: JoinInner, Combine: combineObjects}, left, right)
	anti := run2(&JoinOp{Mode: JoinAnti, Combine: combineObjects}, left, right)

	matched := map[int64]bool{}
	for _, e := range inner.GetInner() {
		matched[e.Value.Key.I] = true
	}
	unmatched := map[int64]bool{}
	for _, e := range anti.GetInner() {
		unmatched[e.Value.Key.I] = true
	}

	for k := range leftKeys {
		if matched[k] == unmatched[k] {
			t.Errorf("key %d: want exactly one of inner-matched or anti-unmatched to hold, matched=%v unmatched=%v", k, matched[k], unmatched[k])
		}
	}
}
