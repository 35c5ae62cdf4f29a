package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/shaiso/Stagehand/internal/domain"
)

// Node — узел графа зависимостей.
type Node struct {
	// ID — идентификатор узла (совпадает с StageDef.ID).
	ID string

	// Stage — определение стадии.
	Stage *domain.StageDef

	// DependsOn — узлы, от которых зависит этот узел.
	DependsOn []*Node

	// Dependents — узлы, которые зависят от этого узла.
	Dependents []*Node
}

// Graph — проверенный граф зависимостей стадий.
//
// Порядок выполнения заранее не фиксируется: готовность
// пересчитывается в ReadyBatch, чтобы ошибки каскадом превращались в SKIPPED.
type Graph struct {
	// Nodes — все узлы графа (stageID → Node).
	Nodes map[string]*Node

	// RootNodes — узлы без зависимостей (точки входа), отсортированы по ID.
	RootNodes []*Node

	// order — топологический порядок для однопроходного каскада SKIPPED.
	order []*Node
}

// Build строит граф из списка стадий.
//
// Проверяет, что каждая зависимость ссылается на существующую стадию
// (ErrInvalidDependency), и ищет циклы обходом в глубину (ErrCyclicDependency,
// с указанием одной из стадий цикла). Самозависимость считается циклом.
func Build(stages []domain.StageDef) (*Graph, error) {
	g := &Graph{
		Nodes: make(map[string]*Node, len(stages)),
	}

	for i := range stages {
		stage := &stages[i]
		if stage.ID == "" {
			return nil, NewValidationError("", "id",
				fmt.Sprintf("stage %d has empty ID", i), ErrEmptyUnitID)
		}
		if _, exists := g.Nodes[stage.ID]; exists {
			return nil, NewValidationError(stage.ID, "id",
				fmt.Sprintf("duplicate stage ID: %s", stage.ID), ErrDuplicateUnitID)
		}
		g.Nodes[stage.ID] = &Node{ID: stage.ID, Stage: stage}
	}

	for i := range stages {
		stage := &stages[i]
		node := g.Nodes[stage.ID]
		for _, depID := range stage.Dependencies {
			dep, exists := g.Nodes[depID]
			if !exists {
				return nil, NewValidationError(stage.ID, "dependencies",
					fmt.Sprintf("stage %s has invalid dependency: %s", stage.ID, depID), ErrInvalidDependency)
			}
			g.addEdge(dep, node)
		}
	}

	if id, found := g.findCycle(); found {
		return nil, NewValidationError(id, "dependencies",
			fmt.Sprintf("circular dependency detected involving stage: %s", id), ErrCyclicDependency)
	}

	g.order = g.topologicalOrder()
	for _, node := range g.order {
		if len(node.DependsOn) == 0 {
			g.RootNodes = append(g.RootNodes, node)
		}
	}
	sortNodes(g.RootNodes)

	return g, nil
}

// addEdge добавляет ребро между узлами, игнорируя дубликаты.
func (g *Graph) addEdge(from, to *Node) {
	for _, dep := range to.DependsOn {
		if dep.ID == from.ID {
			return
		}
	}
	from.Dependents = append(from.Dependents, to)
	to.DependsOn = append(to.DependsOn, from)
}

// findCycle выполняет DFS с временными и постоянными пометками.
// Узлы обходятся в порядке ID, поэтому найденная стадия детерминирована.
func (g *Graph) findCycle() (string, bool) {
	permanent := make(map[string]bool, len(g.Nodes))
	temporary := make(map[string]bool)

	var visit func(n *Node) (string, bool)
	visit = func(n *Node) (string, bool) {
		if permanent[n.ID] {
			return "", false
		}
		if temporary[n.ID] {
			return n.ID, true
		}
		temporary[n.ID] = true
		deps := append([]*Node(nil), n.DependsOn...)
		sortNodes(deps)
		for _, dep := range deps {
			if id, found := visit(dep); found {
				return id, true
			}
		}
		delete(temporary, n.ID)
		permanent[n.ID] = true
		return "", false
	}

	for _, id := range g.IDs() {
		if id, found := visit(g.Nodes[id]); found {
			return id, true
		}
	}
	return "", false
}

// topologicalOrder возвращает узлы в порядке Кана с сортировкой по ID.
// Вызывается только для графа без циклов.
func (g *Graph) topologicalOrder() []*Node {
	inDegree := make(map[string]int, len(g.Nodes))
	var queue []*Node
	for _, id := range g.IDs() {
		n := g.Nodes[id]
		inDegree[id] = len(n.DependsOn)
		if inDegree[id] == 0 {
			queue = append(queue, n)
		}
	}

	order := make([]*Node, 0, len(g.Nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		dependents := append([]*Node(nil), node.Dependents...)
		sortNodes(dependents)
		for _, d := range dependents {
			inDegree[d.ID]--
			if inDegree[d.ID] == 0 {
				queue = append(queue, d)
			}
		}
	}
	return order
}

// IDs возвращает ID всех узлов в лексикографическом порядке.
func (g *Graph) IDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Order возвращает ID узлов в топологическом порядке.
func (g *Graph) Order() []string {
	ids := make([]string, len(g.order))
	for i, n := range g.order {
		ids[i] = n.ID
	}
	return ids
}

// GetNode возвращает узел по ID.
func (g *Graph) GetNode(id string) *Node {
	return g.Nodes[id]
}

// Size возвращает количество узлов.
func (g *Graph) Size() int {
	return len(g.Nodes)
}

// Batch — результат ReadyBatch.
type Batch struct {
	// Ready — PENDING units, все зависимости которых COMPLETED и backoff истёк.
	// Отсортированы по ID.
	Ready []string

	// Skipped — units, переведённые в SKIPPED в этом вызове.
	Skipped []string

	// NextEligible — ближайшее время окончания backoff среди ожидающих units.
	NextEligible *time.Time
}

// ReadyBatch вычисляет следующий набор готовых units.
//
// Unit, у которого хотя бы одна зависимость FAILED, CANCELLED или SKIPPED,
// сразу переводится в SKIPPED и больше не попадает в batch. Обход идёт в
// топологическом порядке, поэтому пропуск каскадом распространяется за один вызов.
//
// Вызывается только владельцем состояния run (единственный писатель).
func (g *Graph) ReadyBatch(units map[string]*domain.Unit, now time.Time) Batch {
	var batch Batch

	for _, node := range g.order {
		unit, ok := units[node.ID]
		if !ok || unit.State != domain.UnitStatePending {
			continue
		}

		allCompleted := true
		var blocker *domain.Unit
		for _, dep := range node.DependsOn {
			depUnit := units[dep.ID]
			if depUnit == nil {
				allCompleted = false
				continue
			}
			if depUnit.State.IsUnfavorable() {
				blocker = depUnit
				break
			}
			if depUnit.State != domain.UnitStateCompleted {
				allCompleted = false
			}
		}

		if blocker != nil {
			next, err := Transition(unit.State, EventSkip)
			if err != nil {
				continue
			}
			unit.State = next
			unit.ErrorMessage = fmt.Sprintf("dependency %s ended %s", blocker.ID, blocker.State)
			unit.NotBefore = nil
			batch.Skipped = append(batch.Skipped, unit.ID)
			continue
		}

		if !allCompleted {
			continue
		}

		if !unit.Eligible(now) {
			if batch.NextEligible == nil || unit.NotBefore.Before(*batch.NextEligible) {
				t := *unit.NotBefore
				batch.NextEligible = &t
			}
			continue
		}

		batch.Ready = append(batch.Ready, unit.ID)
	}

	sort.Strings(batch.Ready)
	return batch
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}
