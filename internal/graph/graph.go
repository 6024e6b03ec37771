package graph

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCycle 表示依赖关系存在环，图无法求得拓扑序。
	ErrCycle = errors.New("graph: 依赖关系存在环")
	// ErrUnknownDependency 表示某节点引用了未注册的前置节点。
	ErrUnknownDependency = errors.New("graph: 引用了未注册的前置节点")
	// ErrDuplicateNode 表示重复注册同名节点。
	ErrDuplicateNode = errors.New("graph: 节点重复注册")
	// ErrNoEntry 表示图缺少唯一入口节点。
	ErrNoEntry = errors.New("graph: 入口节点必须唯一")
	// ErrNoTerminal 表示图缺少唯一终止节点。
	ErrNoTerminal = errors.New("graph: 终止节点必须唯一")
)

// NodeFunc 为一个异步工作单元：读取当前状态快照，返回只描述所改通道的增量更新。
// 节点不得就地修改 state，所有写入都经由归并函数进入共享状态。
type NodeFunc[S, U any] func(ctx context.Context, state S) (U, error)

type node[S, U any] struct {
	name string
	deps []string
	fn   NodeFunc[S, U]
}

// Graph 为静态的节点依赖图：边表示"在其之后运行"。
// apply 将节点产出的增量归并进状态；onError 把节点失败转换成一次增量更新
// （通常写入错误通道），使兄弟分支与下游不受阻塞。
type Graph[S, U any] struct {
	apply   func(S, U) S
	onError func(name string, err error) U

	nodes     map[string]*node[S, U]
	order     []string
	validated bool
}

// New 创建空图。
func New[S, U any](apply func(S, U) S, onError func(name string, err error) U) *Graph[S, U] {
	return &Graph[S, U]{
		apply:   apply,
		onError: onError,
		nodes:   make(map[string]*node[S, U]),
	}
}

// AddNode 注册节点及其前置依赖。依赖合法性在 Validate 时统一检查。
func (g *Graph[S, U]) AddNode(name string, deps []string, fn NodeFunc[S, U]) error {
	if _, ok := g.nodes[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, name)
	}
	g.nodes[name] = &node[S, U]{
		name: name,
		deps: append([]string(nil), deps...),
		fn:   fn,
	}
	g.order = append(g.order, name)
	g.validated = false
	return nil
}

// Validate 校验图结构：依赖必须已注册、无环、入口与终止节点唯一。
// 校验失败属于构图期致命错误，必须发生在任何节点执行之前。
func (g *Graph[S, U]) Validate() error {
	if g.validated {
		return nil
	}
	if len(g.nodes) == 0 {
		return ErrNoEntry
	}

	dependents := make(map[string]int, len(g.nodes))
	for _, n := range g.nodes {
		for _, dep := range n.deps {
			if _, ok := g.nodes[dep]; !ok {
				return fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, n.name, dep)
			}
			dependents[dep]++
		}
	}

	var entries, terminals []string
	for _, name := range g.order {
		if len(g.nodes[name].deps) == 0 {
			entries = append(entries, name)
		}
		if dependents[name] == 0 {
			terminals = append(terminals, name)
		}
	}
	if len(entries) != 1 {
		return fmt.Errorf("%w: 当前为 %v", ErrNoEntry, entries)
	}
	if len(terminals) != 1 {
		return fmt.Errorf("%w: 当前为 %v", ErrNoTerminal, terminals)
	}

	// Kahn 拓扑排序，剩余未出队的节点即构成环。
	indegree := make(map[string]int, len(g.nodes))
	for name, n := range g.nodes {
		indegree[name] = len(n.deps)
	}
	queue := make([]string, 0, len(g.nodes))
	for _, name := range g.order {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, name := range g.order {
			for _, dep := range g.nodes[name].deps {
				if dep != current {
					continue
				}
				indegree[name]--
				if indegree[name] == 0 {
					queue = append(queue, name)
				}
			}
		}
	}
	if visited != len(g.nodes) {
		remaining := make([]string, 0)
		for name, deg := range indegree {
			if deg > 0 {
				remaining = append(remaining, name)
			}
		}
		return fmt.Errorf("%w: %v", ErrCycle, remaining)
	}

	g.validated = true
	return nil
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return fmt.Sprintf("graph: 致命前置条件不满足: %v", e.err)
}

func (e *fatalError) Unwrap() error {
	return e.err
}

// Fatal 将节点错误标记为致命：调度器停止派发新节点，等在途节点结束后终止整次运行。
// 普通节点错误只会写入错误通道，不会中断兄弟分支。
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal 判断错误是否为 Fatal 标记。
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
