package orchestrator

import (
	"errors"
	"io"
	"log"
	"math/big"
	"testing"

	"keepaway/internal/domain"
	"keepaway/internal/stats"
)

func exampleSpecs() []domain.AgentSpec {
	return []domain.AgentSpec{
		{
			ID:         0,
			Items:      []uint64{79, 98},
			Operation:  domain.Multiply(domain.Self(), domain.Literal(19)),
			Classifier: domain.Classifier{Divisor: 23, IfDivisible: 2, IfNot: 3},
		},
		{
			ID:         1,
			Items:      []uint64{54, 65, 75, 74},
			Operation:  domain.Add(domain.Self(), domain.Literal(6)),
			Classifier: domain.Classifier{Divisor: 19, IfDivisible: 2, IfNot: 0},
		},
		{
			ID:         2,
			Items:      []uint64{79, 60, 97},
			Operation:  domain.Multiply(domain.Self(), domain.Self()),
			Classifier: domain.Classifier{Divisor: 13, IfDivisible: 1, IfNot: 3},
		},
		{
			ID:         3,
			Items:      []uint64{74},
			Operation:  domain.Add(domain.Self(), domain.Literal(3)),
			Classifier: domain.Classifier{Divisor: 17, IfDivisible: 0, IfNot: 1},
		},
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func mustScheduler(t *testing.T, specs []domain.AgentSpec, params domain.Params) *Scheduler {
	t.Helper()
	s, err := NewScheduler(specs, params, quietLogger())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

func assertCounts(t *testing.T, got, want []uint64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("counts=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("counts=%v want=%v", got, want)
		}
	}
}

func TestReliefRunMatchesExample(t *testing.T) {
	s := mustScheduler(t, exampleSpecs(), domain.Part1Params())
	res, err := s.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	assertCounts(t, res.Counts, []uint64{101, 95, 7, 105})
	if res.Metric != 10605 {
		t.Fatalf("metric=%d want=10605", res.Metric)
	}
	if res.Modulus != 23*19*13*17 {
		t.Fatalf("modulus=%d", res.Modulus)
	}
	if res.Ranking[0].AgentID != 3 || res.Ranking[1].AgentID != 0 {
		t.Fatalf("ranking=%v", res.Ranking)
	}
}

func TestLongRunMatchesExample(t *testing.T) {
	s := mustScheduler(t, exampleSpecs(), domain.Part2Params())
	res, err := s.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	assertCounts(t, res.Counts, []uint64{52166, 47830, 1938, 52013})
	if res.Metric != 2713310158 {
		t.Fatalf("metric=%d want=2713310158", res.Metric)
	}
}

func TestLongRunEarlyRounds(t *testing.T) {
	s := mustScheduler(t, exampleSpecs(), domain.Part2Params())
	want := map[int][]uint64{
		1:  {2, 4, 3, 6},
		20: {99, 97, 8, 103},
	}
	for round := 1; round <= 20; round++ {
		if err := s.Step(); err != nil {
			t.Fatalf("step %d: %v", round, err)
		}
		if counts, ok := want[round]; ok {
			assertCounts(t, s.Counts(), counts)
		}
	}
}

func TestItemsAreConserved(t *testing.T) {
	specs := exampleSpecs()
	initial := 0
	for _, spec := range specs {
		initial += len(spec.Items)
	}

	s := mustScheduler(t, specs, domain.Params{Rounds: 50})
	transfers := 0
	s.Observe(func(stat domain.RoundStat) {
		transfers += stat.Transfers
		depth := 0
		for _, d := range stat.QueueDepths {
			depth += d
		}
		if depth != initial {
			t.Fatalf("round %d holds %d items want %d", stat.Round, depth, initial)
		}
		if got := stats.Total(stat.Processed); got != uint64(transfers) {
			t.Fatalf("round %d processed=%d transfers=%d", stat.Round, got, transfers)
		}
	})
	if _, err := s.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if uint64(transfers) != s.bus.Delivered() {
		t.Fatalf("transfers=%d delivered=%d", transfers, s.bus.Delivered())
	}
}

func TestForwardedItemsProcessedSameRound(t *testing.T) {
	specs := []domain.AgentSpec{
		{
			ID:         0,
			Items:      []uint64{5},
			Operation:  domain.Add(domain.Self(), domain.Literal(1)),
			Classifier: domain.Classifier{Divisor: 1, IfDivisible: 1, IfNot: 1},
		},
		{
			ID:         1,
			Operation:  domain.Add(domain.Self(), domain.Literal(1)),
			Classifier: domain.Classifier{Divisor: 1, IfDivisible: 0, IfNot: 0},
		},
		{
			ID:         2,
			Operation:  domain.Add(domain.Self(), domain.Literal(1)),
			Classifier: domain.Classifier{Divisor: 1, IfDivisible: 0, IfNot: 0},
		},
	}
	s := mustScheduler(t, specs, domain.Params{Rounds: 3})
	if err := s.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	assertCounts(t, s.Counts(), []uint64{1, 1, 0})

	res, err := s.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	assertCounts(t, res.Counts, []uint64{3, 3, 0})
	if res.Metric != 9 {
		t.Fatalf("metric=%d want=9", res.Metric)
	}
}

func TestSelfRoutedItemsWaitForNextRound(t *testing.T) {
	specs := []domain.AgentSpec{
		{
			ID:         0,
			Items:      []uint64{1, 2},
			Operation:  domain.Add(domain.Self(), domain.Literal(1)),
			Classifier: domain.Classifier{Divisor: 7, IfDivisible: 0, IfNot: 0},
		},
		{
			ID:         1,
			Operation:  domain.Add(domain.Self(), domain.Literal(1)),
			Classifier: domain.Classifier{Divisor: 11, IfDivisible: 0, IfNot: 0},
		},
	}
	s := mustScheduler(t, specs, domain.Params{Rounds: 3})
	res, err := s.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	assertCounts(t, res.Counts, []uint64{6, 0})
	items := s.Snapshot()[0].Items
	if len(items) != 2 || items[0] != 4 || items[1] != 5 {
		t.Fatalf("items=%v want=[4 5]", items)
	}
}

func TestStateMachine(t *testing.T) {
	s := mustScheduler(t, exampleSpecs(), domain.Params{Rounds: 2})
	if pos := s.Position(); pos.Status != domain.RunStatusNotStarted || pos.Round != 0 || pos.Agent != -1 {
		t.Fatalf("initial position=%+v", pos)
	}
	if err := s.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if pos := s.Position(); pos.Status != domain.RunStatusInRound || pos.Round != 1 || pos.Agent != -1 {
		t.Fatalf("position after round 1=%+v", pos)
	}
	if err := s.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if s.Status() != domain.RunStatusFinished {
		t.Fatalf("status=%s want finished", s.Status())
	}
	if err := s.Step(); !errors.Is(err, ErrRunFinished) {
		t.Fatalf("err=%v want ErrRunFinished", err)
	}
}

func TestRunsAreDeterministic(t *testing.T) {
	collect := func() ([]string, []uint64) {
		s := mustScheduler(t, exampleSpecs(), domain.Params{Rounds: 500})
		var digests []string
		s.Observe(func(stat domain.RoundStat) {
			digests = append(digests, stat.Digest)
		})
		res, err := s.Run()
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return digests, res.Counts
	}
	d1, c1 := collect()
	d2, c2 := collect()
	assertCounts(t, c1, c2)
	if len(d1) != 500 || len(d1) != len(d2) {
		t.Fatalf("digest lengths %d %d", len(d1), len(d2))
	}
	for i := range d1 {
		if d1[i] != d2[i] {
			t.Fatalf("digest mismatch at round %d", i+1)
		}
	}
}

func TestNewSchedulerConfigErrors(t *testing.T) {
	specs := exampleSpecs()
	specs[2].Classifier.IfNot = 9
	_, err := NewScheduler(specs, domain.Part1Params(), quietLogger())
	if !errors.Is(err, domain.ErrUnknownTarget) {
		t.Fatalf("err=%v want ErrUnknownTarget", err)
	}

	_, err = NewScheduler(exampleSpecs()[:1], domain.Part1Params(), quietLogger())
	if !errors.Is(err, domain.ErrTooFewAgents) {
		t.Fatalf("err=%v want ErrTooFewAgents", err)
	}

	_, err = NewScheduler(exampleSpecs(), domain.Params{Rounds: -1}, quietLogger())
	if !errors.Is(err, domain.ErrInvalidRounds) {
		t.Fatalf("err=%v want ErrInvalidRounds", err)
	}
}

func TestSchedulerDoesNotAliasSpecs(t *testing.T) {
	specs := exampleSpecs()
	s := mustScheduler(t, specs, domain.Params{Rounds: 1})
	if _, err := s.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if specs[0].Items[0] != 79 || len(specs[0].Items) != 2 {
		t.Fatalf("spec items mutated: %v", specs[0].Items)
	}
}

// exactRun replays specs without any reduction and returns processed counts and the
// final queues.
func exactRun(specs []domain.AgentSpec, rounds int) ([]uint64, [][]*big.Int) {
	queues := make([][]*big.Int, len(specs))
	for i, spec := range specs {
		for _, v := range spec.Items {
			queues[i] = append(queues[i], new(big.Int).SetUint64(v))
		}
	}
	counts := make([]uint64, len(specs))
	for r := 0; r < rounds; r++ {
		for i, spec := range specs {
			batch := queues[i]
			queues[i] = nil
			for _, old := range batch {
				resolve := func(o domain.Operand) *big.Int {
					if o.Kind() == domain.OperandSelf {
						return new(big.Int).Set(old)
					}
					return new(big.Int).SetUint64(o.Resolve(0))
				}
				a, b := resolve(spec.Operation.Left), resolve(spec.Operation.Right)
				next := new(big.Int)
				if spec.Operation.Op == domain.OpMultiply {
					next.Mul(a, b)
				} else {
					next.Add(a, b)
				}
				counts[i]++
				to := spec.Classifier.IfNot
				if new(big.Int).Mod(next, new(big.Int).SetUint64(spec.Classifier.Divisor)).Sign() == 0 {
					to = spec.Classifier.IfDivisible
				}
				queues[to] = append(queues[to], next)
			}
		}
	}
	return counts, queues
}

func TestLargeDivisorsAndItemsMatchExactArithmetic(t *testing.T) {
	specs := []domain.AgentSpec{
		{
			ID:         0,
			Items:      []uint64{1 << 33, 1<<63 + 5, 12},
			Operation:  domain.Multiply(domain.Self(), domain.Self()),
			Classifier: domain.Classifier{Divisor: 65537, IfDivisible: 1, IfNot: 1},
		},
		{
			ID:         1,
			Items:      []uint64{1<<64 - 1},
			Operation:  domain.Add(domain.Self(), domain.Literal(65538)),
			Classifier: domain.Classifier{Divisor: 2, IfDivisible: 2, IfNot: 0},
		},
		{
			ID:         2,
			Operation:  domain.Multiply(domain.Self(), domain.Literal(1<<40)),
			Classifier: domain.Classifier{Divisor: 65539, IfDivisible: 0, IfNot: 1},
		},
	}
	const rounds = 4
	params := domain.Part2Params()
	params.Rounds = rounds
	s := mustScheduler(t, specs, params)
	if s.Modulus() != 65537*2*65539 {
		t.Fatalf("modulus=%d", s.Modulus())
	}
	res, err := s.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	wantCounts, wantQueues := exactRun(specs, rounds)
	assertCounts(t, res.Counts, wantCounts)
	mod := new(big.Int).SetUint64(s.Modulus())
	for i, state := range s.Snapshot() {
		if len(state.Items) != len(wantQueues[i]) {
			t.Fatalf("agent %d items=%v want %d items", i, state.Items, len(wantQueues[i]))
		}
		for j, v := range state.Items {
			want := new(big.Int).Mod(wantQueues[i][j], mod)
			if new(big.Int).SetUint64(v).Cmp(want) != 0 {
				t.Fatalf("agent %d item %d = %d want %s", i, j, v, want)
			}
		}
	}
}
