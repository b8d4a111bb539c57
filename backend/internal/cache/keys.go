package cache

import "fmt"

// 键语义：
// - logKey(id):      画布的格子追加日志（Stream，ID 即有序 push key）
// - liveKey(id):     在线位置 uid -> cellIndex（Hash，-1 为哨兵）
// - heartbeatKey(id): 在线心跳 uid -> expireAt（ZSet，score=expireAt Unix 秒）
// - liveChannel(id): presence 变化通知（Pub/Sub）
// - metaKey(id):     画布元数据缓存（JSON String）

// {canvas:%s} 作为 hash tag，集群下同一画布的 key 落在同一个 slot，Lua 脚本可以同时操作。
const (
	keyLogFmt       = "canvas:log:{canvas:%s}"
	keyLiveFmt      = "canvas:live:{canvas:%s}"
	keyHeartbeatFmt = "canvas:live:hb:{canvas:%s}"
	keyLiveChanFmt  = "canvas:live:chan:%s"
	keyMetaFmt      = "canvas:meta:%s"
)

func logKey(canvasID string) string       { return fmt.Sprintf(keyLogFmt, canvasID) }
func liveKey(canvasID string) string      { return fmt.Sprintf(keyLiveFmt, canvasID) }
func heartbeatKey(canvasID string) string { return fmt.Sprintf(keyHeartbeatFmt, canvasID) }
func liveChannel(canvasID string) string  { return fmt.Sprintf(keyLiveChanFmt, canvasID) }
func metaKey(canvasID string) string      { return fmt.Sprintf(keyMetaFmt, canvasID) }
