package engine

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shaiso/Stagehand/internal/domain"
)

func stages(defs ...domain.StageDef) []domain.StageDef { return defs }

func stage(id string, deps ...string) domain.StageDef {
	return domain.StageDef{ID: id, Type: "prompt", Dependencies: deps}
}

func unitsFor(stages []domain.StageDef) map[string]*domain.Unit {
	units := make(map[string]*domain.Unit, len(stages))
	for i := range stages {
		units[stages[i].ID] = &domain.Unit{
			ID:           stages[i].ID,
			Dependencies: stages[i].Dependencies,
			State:        domain.UnitStatePending,
		}
	}
	return units
}

// --- Build Tests ---

func TestBuild_Diamond(t *testing.T) {
	// A → B → D
	// A → C → D
	g, err := Build(stages(stage("A"), stage("B", "A"), stage("C", "A"), stage("D", "B", "C")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if g.Size() != 4 {
		t.Errorf("expected 4 nodes, got %d", g.Size())
	}
	if len(g.RootNodes) != 1 || g.RootNodes[0].ID != "A" {
		t.Errorf("expected single root A, got %v", g.RootNodes)
	}
	if len(g.GetNode("D").DependsOn) != 2 {
		t.Errorf("D should have 2 dependencies")
	}
	if len(g.GetNode("A").Dependents) != 2 {
		t.Errorf("A should have 2 dependents")
	}

	order := g.Order()
	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	if pos["A"] > pos["B"] || pos["B"] > pos["D"] || pos["C"] > pos["D"] {
		t.Errorf("order is not topological: %v", order)
	}
}

func TestBuild_InvalidDependency(t *testing.T) {
	_, err := Build(stages(stage("A"), stage("B", "missing")))
	if !errors.Is(err, ErrInvalidDependency) {
		t.Fatalf("expected ErrInvalidDependency, got %v", err)
	}

	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.UnitID != "B" {
		t.Errorf("expected ValidationError for B, got %v", err)
	}
}

func TestBuild_Cycle(t *testing.T) {
	tests := []struct {
		name   string
		stages []domain.StageDef
	}{
		{"self", stages(stage("A", "A"))},
		{"pair", stages(stage("A", "B"), stage("B", "A"))},
		{"triangle", stages(stage("A", "C"), stage("B", "A"), stage("C", "B"))},
		{"cycle behind root", stages(stage("root"), stage("X", "root", "Z"), stage("Y", "X"), stage("Z", "Y"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(tt.stages)
			if !errors.Is(err, ErrCyclicDependency) {
				t.Fatalf("expected ErrCyclicDependency, got %v", err)
			}
			if g != nil {
				t.Error("graph must not be returned for cyclic input")
			}

			var vErr *ValidationError
			if !errors.As(err, &vErr) || vErr.UnitID == "" {
				t.Errorf("error should name an implicated stage: %v", err)
			}
		})
	}
}

func TestBuild_RandomCyclesAlwaysRejected(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for iter := 0; iter < 200; iter++ {
		n := 2 + rng.Intn(8)
		defs := make([]domain.StageDef, n)
		for i := 0; i < n; i++ {
			defs[i] = stage(fmt.Sprintf("u%d", i))
			// рёбра только "назад" — граф ацикличен
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					defs[i].Dependencies = append(defs[i].Dependencies, fmt.Sprintf("u%d", j))
				}
			}
		}
		if _, err := Build(defs); err != nil {
			t.Fatalf("acyclic graph rejected: %v", err)
		}

		// одно ребро "вперёд" по цепочке замыкает цикл
		from := rng.Intn(n - 1)
		to := from + 1 + rng.Intn(n-from-1)
		defs[to].Dependencies = append(defs[to].Dependencies, fmt.Sprintf("u%d", from))
		defs[from].Dependencies = append(defs[from].Dependencies, fmt.Sprintf("u%d", to))
		if _, err := Build(defs); !errors.Is(err, ErrCyclicDependency) {
			t.Fatalf("cycle u%d<->u%d not detected: %v", from, to, err)
		}
	}
}

func TestBuild_DuplicateAndEmptyID(t *testing.T) {
	if _, err := Build(stages(stage("A"), stage("A"))); !errors.Is(err, ErrDuplicateUnitID) {
		t.Errorf("expected ErrDuplicateUnitID, got %v", err)
	}
	if _, err := Build(stages(stage(""))); !errors.Is(err, ErrEmptyUnitID) {
		t.Errorf("expected ErrEmptyUnitID, got %v", err)
	}
}

// --- ReadyBatch Tests ---

func TestReadyBatch_Progression(t *testing.T) {
	defs := stages(stage("A"), stage("B", "A"), stage("C", "A"))
	g, err := Build(defs)
	if err != nil {
		t.Fatal(err)
	}
	units := unitsFor(defs)
	now := time.Now()

	batch := g.ReadyBatch(units, now)
	if len(batch.Ready) != 1 || batch.Ready[0] != "A" {
		t.Fatalf("batch 1 should be [A], got %v", batch.Ready)
	}

	units["A"].State = domain.UnitStateRunning
	if batch := g.ReadyBatch(units, now); len(batch.Ready) != 0 {
		t.Fatalf("nothing is ready while A runs, got %v", batch.Ready)
	}

	units["A"].State = domain.UnitStateCompleted
	batch = g.ReadyBatch(units, now)
	if len(batch.Ready) != 2 || batch.Ready[0] != "B" || batch.Ready[1] != "C" {
		t.Fatalf("batch 2 should be [B C], got %v", batch.Ready)
	}
}

func TestReadyBatch_SkipCascade(t *testing.T) {
	// A → B → C, A → D; E независим
	defs := stages(stage("A"), stage("B", "A"), stage("C", "B"), stage("D", "A"), stage("E"))
	g, err := Build(defs)
	if err != nil {
		t.Fatal(err)
	}
	units := unitsFor(defs)
	units["A"].State = domain.UnitStateFailed

	batch := g.ReadyBatch(units, time.Now())

	for _, id := range []string{"B", "C", "D"} {
		if units[id].State != domain.UnitStateSkipped {
			t.Errorf("%s should be SKIPPED, got %s", id, units[id].State)
		}
	}
	if len(batch.Skipped) != 3 {
		t.Errorf("expected 3 skipped in one call, got %v", batch.Skipped)
	}
	if len(batch.Ready) != 1 || batch.Ready[0] != "E" {
		t.Errorf("E should stay ready, got %v", batch.Ready)
	}
	if units["B"].ErrorMessage == "" {
		t.Error("skipped unit should record the blocking dependency")
	}
}

func TestReadyBatch_CancelledDependency(t *testing.T) {
	defs := stages(stage("A"), stage("B", "A"))
	g, _ := Build(defs)
	units := unitsFor(defs)
	units["A"].State = domain.UnitStateCancelled

	g.ReadyBatch(units, time.Now())
	if units["B"].State != domain.UnitStateSkipped {
		t.Errorf("B should be SKIPPED, got %s", units["B"].State)
	}
}

func TestReadyBatch_Backoff(t *testing.T) {
	defs := stages(stage("A"), stage("B"))
	g, _ := Build(defs)
	units := unitsFor(defs)

	now := time.Now()
	later := now.Add(2 * time.Second)
	units["A"].NotBefore = &later

	batch := g.ReadyBatch(units, now)
	if len(batch.Ready) != 1 || batch.Ready[0] != "B" {
		t.Fatalf("only B should be ready, got %v", batch.Ready)
	}
	if batch.NextEligible == nil || !batch.NextEligible.Equal(later) {
		t.Errorf("NextEligible should be %v, got %v", later, batch.NextEligible)
	}

	batch = g.ReadyBatch(units, later)
	if len(batch.Ready) != 2 {
		t.Errorf("A should be ready after backoff, got %v", batch.Ready)
	}
}
