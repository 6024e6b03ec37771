package graph

// Append 追加语义的通道归并，用于会话历史等只增序列。
// incoming 为空时直接返回 current，不产生新切片。
func Append[T any](current, incoming []T) []T {
	if len(incoming) == 0 {
		return current
	}
	merged := make([]T, 0, len(current)+len(incoming))
	merged = append(merged, current...)
	merged = append(merged, incoming...)
	return merged
}

// Overwrite 右偏覆盖归并：incoming 为零值时保留 current，避免空更新抹掉已有状态。
func Overwrite[T comparable](current, incoming T) T {
	var zero T
	if incoming == zero {
		return current
	}
	return incoming
}

// Coalesce 指针式覆盖归并：incoming 为 nil 表示该通道未被本次更新触及。
func Coalesce[T any](current, incoming *T) *T {
	if incoming == nil {
		return current
	}
	return incoming
}

// Union 浅合并两个 map，incoming 的键覆盖 current 的同名键；不修改入参。
// 任一侧为空时复用另一侧，保证已知键只增不减。
func Union[K comparable, V any](current, incoming map[K]V) map[K]V {
	if len(incoming) == 0 {
		return current
	}
	if len(current) == 0 {
		return incoming
	}
	merged := make(map[K]V, len(current)+len(incoming))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}
