package canvas

import (
	"strconv"
	"strings"
)

// Key 是服务端分配的有序键（Redis Stream ID，格式 "<ms>-<seq>"）。
// 键的先后顺序与写入顺序一致，用作相同 time 时的决胜条件。
type Key string

// Compare orders keys by write order. Stream ids are compared numerically so that
// "999-0" < "1000-0"; anything else falls back to byte order.
func Compare(a, b Key) int {
	if a == b {
		return 0
	}
	am, as, aok := split(a)
	bm, bs, bok := split(b)
	if !aok || !bok {
		return strings.Compare(string(a), string(b))
	}
	switch {
	case am < bm:
		return -1
	case am > bm:
		return 1
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func (k Key) Less(other Key) bool { return Compare(k, other) < 0 }

func split(k Key) (ms, seq uint64, ok bool) {
	head, tail, found := strings.Cut(string(k), "-")
	if !found {
		return 0, 0, false
	}
	ms, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seq, err = strconv.ParseUint(tail, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return ms, seq, true
}
