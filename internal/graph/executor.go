package graph

import (
	"context"
	"fmt"
)

type nodeResult[U any] struct {
	name   string
	update U
	err    error
}

// Run 从入口节点执行到终止节点：每轮把所有就绪节点（依赖全部完成）并发派发，
// 节点完成后按完成顺序将其增量归并进状态，再重新计算就绪集。
//
// 同一轮派发的兄弟节点拿到的是同一份派发前快照，彼此不可见对方的写入；
// 通道归并函数对并发产出满足交换律（标量右偏覆盖、集合并集），因此最终状态
// 与完成顺序无关。
//
// 节点失败经 onError 转成一次增量更新后照常归并，不会取消在途兄弟节点，
// 也不会阻止下游运行；只有 Fatal 标记的错误会提前终止整次运行。
func (g *Graph[S, U]) Run(ctx context.Context, initial S) (S, error) {
	state := initial
	if err := g.Validate(); err != nil {
		return state, err
	}

	done := make(map[string]bool, len(g.nodes))
	launched := make(map[string]bool, len(g.nodes))
	// 缓冲等于节点总数，保证取消后在途节点写结果不会被永久阻塞。
	results := make(chan nodeResult[U], len(g.nodes))

	inflight := 0
	var fatal error

	ready := func(n *node[S, U]) bool {
		if launched[n.name] {
			return false
		}
		for _, dep := range n.deps {
			if !done[dep] {
				return false
			}
		}
		return true
	}

	for len(done) < len(g.nodes) {
		if fatal == nil {
			for _, name := range g.order {
				n := g.nodes[name]
				if !ready(n) {
					continue
				}
				launched[n.name] = true
				inflight++
				snapshot := state
				go func(n *node[S, U], snapshot S) {
					update, err := n.fn(ctx, snapshot)
					results <- nodeResult[U]{name: n.name, update: update, err: err}
				}(n, snapshot)
			}
		}

		if inflight == 0 {
			break
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case res := <-results:
			inflight--
			done[res.name] = true
			if res.err != nil {
				state = g.apply(state, g.onError(res.name, res.err))
				if fatal == nil && IsFatal(res.err) {
					fatal = res.err
				}
				continue
			}
			state = g.apply(state, res.update)
		}
	}

	if fatal != nil {
		return state, fatal
	}
	if len(done) < len(g.nodes) {
		// Validate 保证无环，正常情况下不可达。
		return state, fmt.Errorf("%w: 调度停滞，已完成 %d/%d", ErrCycle, len(done), len(g.nodes))
	}
	return state, nil
}
